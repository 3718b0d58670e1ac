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


package model

import (
	"errors"
	"math"
	"testing"

	"github.com/valyala/fastrand"
	"github.com/galsub/cubefit/internal/fft"
)

const testNt, testNw = 2, 3

func zeros2D(nt, nw int) [][]float64 {
	a:=make([][]float64, nt)
	for i:=range a { a[i]=make([]float64, nw) }
	return a
}

func testModel(t *testing.T) *Model {
	t.Helper()
	gridSize:=DefaultGridNy*DefaultGridNx
	psf:=make([][][]float64, testNt)
	for epoch:=range psf {
		psf[epoch]=make([][]float64, testNw)
		for wIdx:=range psf[epoch] {
			psf[epoch][wIdx]=make([]float64, gridSize)
		}
	}
	m, err:=New(psf, zeros2D(testNt, testNw), zeros2D(testNt, testNw),
		make([]float64, testNt), make([]float64, testNt), zeros2D(testNt, testNw),
		1e-3, 7e-2, 0.43, DefaultGridNy, DefaultGridNx)
	if err!=nil { t.Fatal(err) }
	return m
}

func randomPlane(n int) []float64 {
	rng:=fastrand.RNG{}
	a:=make([]float64, n)
	for i:=range a {
		a[i]=float64(rng.Uint32n(1000))/1000.0
	}
	return a
}

func TestZeroShiftReproducesGalaxy(t *testing.T) {
	m:=testModel(t)
	for wIdx:=0; wIdx<testNw; wIdx++ {
		m.Galaxy[wIdx]=randomPlane(DefaultGridNy*DefaultGridNx)
	}

	out, err:=m.Evaluate(0, 0, 0, DefaultGridNy, DefaultGridNx, GalaxyOnly)
	if err!=nil { t.Fatal(err) }
	for wIdx:=0; wIdx<testNw; wIdx++ {
		for i:=range out[wIdx] {
			if math.Abs(out[wIdx][i]-m.Galaxy[wIdx][i])>1e-10 {
				t.Fatalf("wavelength %d index %d: got %g expect %g", wIdx, i, out[wIdx][i], m.Galaxy[wIdx][i])
			}
		}
	}
}

func TestZeroShiftReproducesPSF(t *testing.T) {
	m:=testModel(t)
	m.PSF[0][0]=randomPlane(DefaultGridNy*DefaultGridNx)
	m.SN[0][0]=1

	out, err:=m.Evaluate(0, 0, 0, DefaultGridNy, DefaultGridNx, SNOnly)
	if err!=nil { t.Fatal(err) }
	for i:=range out[0] {
		if math.Abs(out[0][i]-m.PSF[0][0][i])>1e-10 {
			t.Fatalf("index %d: got %g expect %g", i, out[0][i], m.PSF[0][0][i])
		}
	}
}

func TestIntegerShiftSamplesGalaxy(t *testing.T) {
	m:=testModel(t)
	m.Galaxy[0][15*DefaultGridNx+15]=1.0

	// window shift is 8.5 + offset; offset 0.5 makes it exactly 9
	out, err:=m.Evaluate(0, 0.5, 0.5, 15, 15, GalaxyOnly)
	if err!=nil { t.Fatal(err) }
	for y:=0; y<15; y++ {
		for x:=0; x<15; x++ {
			expect:=0.0
			if y==6 && x==6 { expect=1.0 }
			if math.Abs(out[0][y*15+x]-expect)>1e-10 {
				t.Fatalf("(%d,%d): got %g expect %g", y, x, out[0][y*15+x], expect)
			}
		}
	}
}

func TestShiftRoundTrip(t *testing.T) {
	// rendering a pre-shifted galaxy at offset zero must match rendering the
	// original galaxy at that offset: the two shift paths compose consistently
	m:=testModel(t)
	m.Galaxy[0]=randomPlane(DefaultGridNy*DefaultGridNx)
	dy, dx:=0.6, -0.4

	direct, err:=m.Evaluate(0, dx, dy, 15, 15, GalaxyOnly)
	if err!=nil { t.Fatal(err) }

	// shift galaxy content by (-dy,-dx), then render at zero offset
	f:=fft.New2D(DefaultGridNy, DefaultGridNx)
	c:=fft.ToComplex(m.Galaxy[0])
	f.Forward(c)
	fft.Mul(c, fft.ShiftPhasor(DefaultGridNy, DefaultGridNx, -dy, -dx))
	f.Inverse(c)
	shifted:=make([]float64, DefaultGridNy*DefaultGridNx)
	fft.Real(shifted, c)
	m.Galaxy[0]=shifted

	indirect, err:=m.Evaluate(0, 0, 0, 15, 15, GalaxyOnly)
	if err!=nil { t.Fatal(err) }

	for i:=range direct[0] {
		if math.Abs(direct[0][i]-indirect[0][i])>1e-9 {
			t.Fatalf("index %d: direct %g indirect %g", i, direct[0][i], indirect[0][i])
		}
	}
}

func TestSkyBroadcast(t *testing.T) {
	m:=testModel(t)
	m.Sky[1][2]=3.5

	out, err:=m.Evaluate(1, 0, 0, 15, 15, SkyOnly)
	if err!=nil { t.Fatal(err) }
	for i:=range out[2] {
		if out[2][i]!=3.5 {
			t.Fatalf("sky not broadcast, got %g", out[2][i])
		}
	}
	for i:=range out[0] {
		if out[0][i]!=0 {
			t.Fatalf("unexpected sky in other wavelength: %g", out[0][i])
		}
	}
}

func TestAllSumsComponents(t *testing.T) {
	m:=testModel(t)
	m.Galaxy[0]=randomPlane(DefaultGridNy*DefaultGridNx)
	m.PSF[0][0]=randomPlane(DefaultGridNy*DefaultGridNx)
	m.SN[0][0]=2.0
	m.Sky[0][0]=0.25

	all, err:=m.Evaluate(0, 0.3, -0.2, 15, 15, All)
	if err!=nil { t.Fatal(err) }
	gal, _:=m.Evaluate(0, 0.3, -0.2, 15, 15, GalaxyOnly)
	sn, _:=m.Evaluate(0, 0.3, -0.2, 15, 15, SNOnly)
	sky, _:=m.Evaluate(0, 0.3, -0.2, 15, 15, SkyOnly)

	for i:=range all[0] {
		sum:=gal[0][i]+sn[0][i]+sky[0][i]
		if math.Abs(all[0][i]-sum)>1e-10 {
			t.Fatalf("index %d: all %g, component sum %g", i, all[0][i], sum)
		}
	}
}

func TestEvaluateDoesNotMutate(t *testing.T) {
	m:=testModel(t)
	m.Galaxy[0]=randomPlane(DefaultGridNy*DefaultGridNx)
	before:=append([]float64(nil), m.Galaxy[0]...)

	if _, err:=m.Evaluate(0, 0.4, 0.7, 15, 15, All); err!=nil { t.Fatal(err) }

	for i:=range before {
		if m.Galaxy[0][i]!=before[i] {
			t.Fatal("Evaluate mutated the galaxy")
		}
	}
}

func TestGridOverflow(t *testing.T) {
	m:=testModel(t)

	// stays inside support
	if _, err:=m.Evaluate(0, 0, 8, 15, 15, All); err!=nil {
		t.Fatalf("offset 8 inside support rejected: %v", err)
	}

	// pushes the window past the grid edge
	_, err:=m.Evaluate(0, 0, 9, 15, 15, All)
	var goe *GridOverflowError
	if !errors.As(err, &goe) {
		t.Fatalf("expected GridOverflowError, got %v", err)
	}

	// window larger than the native grid
	_, err=m.Evaluate(0, 0, 0, DefaultGridNy+1, DefaultGridNx, All)
	if !errors.As(err, &goe) {
		t.Fatalf("expected GridOverflowError for oversized window, got %v", err)
	}
}
