// Package errs holds the error kinds shared by the detection pipeline.
package errs

import "errors"

var (
	// ErrConfiguration marks bad parameters: window sizes, batch sizes, thresholds.
	ErrConfiguration = errors.New("configuration error")

	// ErrResource marks shared memory allocation or release failures.
	ErrResource = errors.New("resource error")

	// ErrWorkerTask marks a failed task inside a parallel extraction round.
	ErrWorkerTask = errors.New("worker task failure")

	// ErrIO marks persistence failures.
	ErrIO = errors.New("io error")

	// ErrShape marks arrays whose dimensions do not line up.
	ErrShape = errors.New("shape mismatch")
)
