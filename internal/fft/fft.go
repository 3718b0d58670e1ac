// Copyright (C) 2026 The cubefit authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package fft

import (
	"math"
	"math/cmplx"
	"gonum.org/v1/gonum/dsp/fourier"
)

// A 2D discrete Fourier transform of fixed dimensions, built from gonum's
// 1D complex FFT applied along rows, then columns. Grids are stored row-major
// as ny*nx complex values. Not safe for concurrent use; each worker goroutine
// keeps its own instance.
type FFT2 struct {
	Ny, Nx int
	row    *fourier.CmplxFFT
	col    *fourier.CmplxFFT
	colBuf []complex128
}

func New2D(ny, nx int) *FFT2 {
	return &FFT2{
		Ny:     ny,
		Nx:     nx,
		row:    fourier.NewCmplxFFT(nx),
		col:    fourier.NewCmplxFFT(ny),
		colBuf: make([]complex128, ny),
	}
}

// Forward transforms a in place. a must have length Ny*Nx
func (f *FFT2) Forward(a []complex128) {
	f.transform(a, true)
}

// Inverse transforms a in place, including 1/(Ny*Nx) normalization so that
// Inverse(Forward(a)) == a up to floating point error. a must have length Ny*Nx
func (f *FFT2) Inverse(a []complex128) {
	f.transform(a, false)
	scale:=complex(1/float64(f.Ny*f.Nx), 0)
	for i:=range a {
		a[i]*=scale
	}
}

func (f *FFT2) transform(a []complex128, forward bool) {
	// rows
	for y:=0; y<f.Ny; y++ {
		r:=a[y*f.Nx : (y+1)*f.Nx]
		if forward {
			f.row.Coefficients(r, r)
		} else {
			f.row.Sequence(r, r)
		}
	}

	// columns
	for x:=0; x<f.Nx; x++ {
		for y:=0; y<f.Ny; y++ {
			f.colBuf[y]=a[y*f.Nx+x]
		}
		if forward {
			f.col.Coefficients(f.colBuf, f.colBuf)
		} else {
			f.col.Sequence(f.colBuf, f.colBuf)
		}
		for y:=0; y<f.Ny; y++ {
			a[y*f.Nx+x]=f.colBuf[y]
		}
	}
}

// ShiftPhasor returns the frequency domain factor realizing a translation of
// grid content by (dy, dx) pixels: multiplying the spectrum of M by the phasor
// and inverse transforming yields M'[y][x] = M[y-dy][x-dx] for sub-pixel dy, dx.
// Frequencies are interpreted as signed so fractional shifts interpolate
// smoothly. The zero-shift phasor is exactly all ones
func ShiftPhasor(ny, nx int, dy, dx float64) []complex128 {
	p:=make([]complex128, ny*nx)
	for ky:=0; ky<ny; ky++ {
		fy:=signedFreq(ky, ny)
		for kx:=0; kx<nx; kx++ {
			fx:=signedFreq(kx, nx)
			arg:=-2*math.Pi*(fy*dy/float64(ny) + fx*dx/float64(nx))
			p[ky*nx+kx]=cmplx.Exp(complex(0, arg))
		}
	}
	return p
}

func signedFreq(k, n int) float64 {
	if k>n/2 {
		return float64(k-n)
	}
	return float64(k)
}

// Mul multiplies a by b element-wise, in place in a
func Mul(a, b []complex128) {
	for i:=range a {
		a[i]*=b[i]
	}
}

// MulConj multiplies a by the complex conjugate of b element-wise, in place in a.
// This is the adjoint of Mul with the same phasor
func MulConj(a, b []complex128) {
	for i:=range a {
		a[i]*=cmplx.Conj(b[i])
	}
}

// ToComplex copies real values into a freshly allocated complex grid
func ToComplex(a []float64) []complex128 {
	c:=make([]complex128, len(a))
	for i,v:=range a {
		c[i]=complex(v, 0)
	}
	return c
}

// Real extracts the real parts of a into dst
func Real(dst []float64, a []complex128) {
	for i,v:=range a {
		dst[i]=real(v)
	}
}
