package io

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/KyungWonPark/Detection/internal/errs"
	"github.com/gonum/matrix/mat64"
)

// Mat64toCSV saves Mat64 as a csv file, one matrix row per line
func Mat64toCSV(path string, matrix *mat64.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %v: %w", path, err, errs.ErrIO)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	rows, _ := matrix.Dims()

	stride := runtime.NumCPU()
	parsed := make([]string, stride)

	for row := 0; row < rows; row += stride {
		var wg sync.WaitGroup
		jobMark := stride

		if row+stride >= rows {
			jobMark = rows - row
		}

		wg.Add(jobMark)
		for offset := 0; offset < jobMark; offset++ {
			go formatLine(matrix, parsed, offset, row, &wg)
		}
		wg.Wait()

		for i := 0; i < jobMark; i++ {
			if _, err := fmt.Fprintf(w, "%s\n", parsed[i]); err != nil {
				return fmt.Errorf("write %s: %v: %w", path, err, errs.ErrIO)
			}
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %v: %w", path, err, errs.ErrIO)
	}
	return nil
}

func formatLine(matrix *mat64.Dense, parsed []string, offset int, row int, wg *sync.WaitGroup) {
	defer wg.Done()

	values := matrix.RawRowView(row + offset)
	fields := make([]string, len(values))
	for i, v := range values {
		fields[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	parsed[offset] = strings.Join(fields, ", ")
}

// CSVtoMat64 parses a csv file written by Mat64toCSV
func CSVtoMat64(path string) (*mat64.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, errs.ErrIO)
	}
	defer f.Close()

	csvReader := csv.NewReader(f)
	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", path, err, errs.ErrIO)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s is empty: %w", path, errs.ErrShape)
	}

	rows, cols := len(records), len(records[0])
	matrix := mat64.NewDense(rows, cols, nil)

	workers := runtime.NumCPU()
	order := make(chan int, workers)
	failures := make([]error, rows)
	var wg sync.WaitGroup

	wg.Add(rows)

	for i := 0; i < workers; i++ {
		go parseLine(records, matrix, failures, order, &wg)
	}

	for i := 0; i < rows; i++ {
		order <- i
	}

	wg.Wait()
	close(order)

	for i, err := range failures {
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %v: %w", path, i+1, err, errs.ErrIO)
		}
	}
	return matrix, nil
}

func parseLine(records [][]string, matrix *mat64.Dense, failures []error, order <-chan int, wg *sync.WaitGroup) {
	_, cols := matrix.Dims()

	for {
		index, ok := <-order
		if ok {
			if len(records[index]) != cols {
				failures[index] = fmt.Errorf("%d fields, want %d", len(records[index]), cols)
			} else {
				for i := 0; i < cols; i++ {
					str := strings.TrimSpace(records[index][i])
					value, err := strconv.ParseFloat(str, 64)
					if err != nil {
						failures[index] = err
						break
					}

					matrix.Set(index, i, value)
				}
			}

			wg.Done()
		} else {
			break
		}
	}
	return
}
