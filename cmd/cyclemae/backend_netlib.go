//go:build netlib

package main

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Uses CBLAS. Needs cgo and libcblas.
func init() {
	blas32.Use(netlib.Implementation{})
}
