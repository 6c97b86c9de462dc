package main

import (
	"fmt"
	"log"
	"os"

	"github.com/KyungWonPark/Detection/internal/io"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("usage: npy2csv <file.npy[.zst]>...")
	}

	for _, fileName := range os.Args[1:] {
		npyFile, err := io.NpytoMat64(fileName)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println("Reading npy file complete")

		if err := io.Mat64toCSV(fileName+".csv", npyFile); err != nil {
			log.Fatal(err)
		}
	}

	return
}
