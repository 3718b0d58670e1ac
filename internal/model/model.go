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
	"fmt"
	"math"
	"runtime"

	"github.com/galsub/cubefit/internal/fft"
)

// Default native model grid. Larger than the 15x15 data windows so sub-pixel
// shifts never wrap observable content around the grid edges
const (
	DefaultGridNy = 32
	DefaultGridNx = 32
)

// Which component of the scene to render
type Component int

const (
	All Component = iota
	GalaxyOnly
	SNOnly
	SkyOnly
)

// A requested output window whose shifted support exceeds the native model grid.
// Rendering it would sample wrapped-around content, so it is refused
type GridOverflowError struct {
	Epoch, Wave    int
	ShiftY, ShiftX float64
	Ny, Nx         int
	GridNy, GridNx int
}

func (e *GridOverflowError) Error() string {
	return fmt.Sprintf("render window %dx%d shifted by (%.3f,%.3f) at epoch %d wavelength index %d exceeds native %dx%d grid support",
		e.Ny, e.Nx, e.ShiftY, e.ShiftX, e.Epoch, e.Wave, e.GridNy, e.GridNx)
}

// The forward scene model: a static galaxy shared by all epochs, a point source
// and flat sky per epoch and wavelength, and per-epoch registration offsets.
// The galaxy and the PSF kernels live on the native GridNy x GridNx grid; data
// windows are rendered from them by Fourier-domain sub-pixel shifting.
// The model is the single source of truth for the current best estimate:
// the fitting and registration stages mutate it in place
type Model struct {
	Galaxy [][]float64 // [wave][gy*GridNx+gx], static background
	SN     [][]float64 // [epoch][wave] point source amplitude
	Sky    [][]float64 // [epoch][wave] flat background level

	DataXctr []float64 // [epoch] registration offset in spaxels, model frame
	DataYctr []float64

	PSF   [][][]float64 // [epoch][wave][gy*GridNx+gx], read-only during fitting
	AdrDx [][]float64   // [epoch][wave] atmospheric refraction offset, spaxels
	AdrDy [][]float64

	MuXY   float64 // spatial smoothness regularization weight
	MuWave float64 // spectral smoothness regularization weight

	SpaxelSize float64

	Nt, Nw         int
	GridNy, GridNx int

	MaxThreads int // concurrent wavelength renders; <=0 means GOMAXPROCS
}

// New builds a model with zero galaxy and point source and the given sky guess.
// psf planes must be synthesized on the native model grid; adr and sky arrays
// must share the psf epoch and wavelength axes
func New(psf [][][]float64, adrDx, adrDy [][]float64, xctrInit, yctrInit []float64,
	skyGuess [][]float64, muXY, muWave, spaxelSize float64, gridNy, gridNx int) (*Model, error) {

	nt:=len(psf)
	if nt==0 { return nil, errors.New("model: no epochs in PSF array") }
	nw:=len(psf[0])
	for epoch:=0; epoch<nt; epoch++ {
		if len(psf[epoch])!=nw {
			return nil, fmt.Errorf("model: PSF epoch %d has %d wavelengths, expect %d", epoch, len(psf[epoch]), nw)
		}
		for wIdx:=0; wIdx<nw; wIdx++ {
			if len(psf[epoch][wIdx])!=gridNy*gridNx {
				return nil, fmt.Errorf("model: PSF plane at epoch %d wavelength %d is not %dx%d", epoch, wIdx, gridNy, gridNx)
			}
		}
		if len(adrDx[epoch])!=nw || len(adrDy[epoch])!=nw {
			return nil, fmt.Errorf("model: ADR offsets at epoch %d do not match PSF wavelength axis", epoch)
		}
		if len(skyGuess[epoch])!=nw {
			return nil, fmt.Errorf("model: sky guess at epoch %d does not match PSF wavelength axis", epoch)
		}
	}
	if len(xctrInit)!=nt || len(yctrInit)!=nt {
		return nil, fmt.Errorf("model: initial positions have length %d/%d, expect %d", len(xctrInit), len(yctrInit), nt)
	}

	galaxy:=make([][]float64, nw)
	for wIdx:=range galaxy {
		galaxy[wIdx]=make([]float64, gridNy*gridNx)
	}
	sn:=make([][]float64, nt)
	sky:=make([][]float64, nt)
	for epoch:=0; epoch<nt; epoch++ {
		sn[epoch]=make([]float64, nw)
		sky[epoch]=append([]float64(nil), skyGuess[epoch]...)
	}

	return &Model{
		Galaxy: galaxy, SN: sn, Sky: sky,
		DataXctr: append([]float64(nil), xctrInit...),
		DataYctr: append([]float64(nil), yctrInit...),
		PSF: psf, AdrDx: adrDx, AdrDy: adrDy,
		MuXY: muXY, MuWave: muWave, SpaxelSize: spaxelSize,
		Nt: nt, Nw: nw, GridNy: gridNy, GridNx: gridNx,
	}, nil
}

// WindowShift returns the translation, in model grid pixels, that maps output
// window indices onto the native grid for one epoch and wavelength:
// out[j][i] samples the model at (j+sy, i+sx). It combines the grid center
// offset, the registration offset and the ADR offset
func (m *Model) WindowShift(epoch, wIdx int, xctr, yctr float64, ny, nx int) (sy, sx float64) {
	sy=float64(m.GridNy-1)/2 - float64(ny-1)/2 + yctr + m.AdrDy[epoch][wIdx]
	sx=float64(m.GridNx-1)/2 - float64(nx-1)/2 + xctr + m.AdrDx[epoch][wIdx]
	return sy, sx
}

// CheckWindow verifies that a requested output window stays within the shifted
// native grid support at every wavelength of the epoch
func (m *Model) CheckWindow(epoch int, xctr, yctr float64, ny, nx int) error {
	if ny>m.GridNy || nx>m.GridNx {
		return &GridOverflowError{Epoch: epoch, Ny: ny, Nx: nx, GridNy: m.GridNy, GridNx: m.GridNx}
	}
	for wIdx:=0; wIdx<m.Nw; wIdx++ {
		sy, sx:=m.WindowShift(epoch, wIdx, xctr, yctr, ny, nx)
		if math.Floor(sy)<0 || math.Ceil(sy)+float64(ny-1)>float64(m.GridNy-1) ||
			math.Floor(sx)<0 || math.Ceil(sx)+float64(nx-1)>float64(m.GridNx-1) {
			return &GridOverflowError{Epoch: epoch, Wave: wIdx, ShiftY: sy, ShiftX: sx,
				Ny: ny, Nx: nx, GridNy: m.GridNy, GridNx: m.GridNx}
		}
	}
	return nil
}

// Evaluate renders the predicted ny x nx image of one epoch for each wavelength,
// with the output window centered at model coordinate (yctr, xctr) relative to
// the galaxy grid center. Deterministic; does not mutate model state.
// Wavelengths render concurrently, each writing to its own output plane
func (m *Model) Evaluate(epoch int, xctr, yctr float64, ny, nx int, which Component) ([][]float64, error) {
	if err:=m.CheckWindow(epoch, xctr, yctr, ny, nx); err!=nil {
		return nil, err
	}

	out:=make([][]float64, m.Nw)
	maxThreads:=m.MaxThreads
	if maxThreads<=0 { maxThreads=runtime.GOMAXPROCS(0) }

	limiter:=make(chan bool, maxThreads)
	for wIdx:=0; wIdx<m.Nw; wIdx++ {
		limiter <- true
		go func(wIdx int) {
			defer func() { <-limiter }()
			out[wIdx]=m.renderPlane(epoch, wIdx, xctr, yctr, ny, nx, which, fft.New2D(m.GridNy, m.GridNx))
		}(wIdx)
	}
	for i:=0; i<cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	return out, nil
}

// PointSourceWindow renders the unit-amplitude point source window of one
// epoch for each wavelength: the PSF shifted to the window position, without
// the current SN amplitude applied. The per-epoch amplitude solve uses these
// planes as the point source design column
func (m *Model) PointSourceWindow(epoch int, xctr, yctr float64, ny, nx int) ([][]float64, error) {
	if err:=m.CheckWindow(epoch, xctr, yctr, ny, nx); err!=nil {
		return nil, err
	}

	out:=make([][]float64, m.Nw)
	maxThreads:=m.MaxThreads
	if maxThreads<=0 { maxThreads=runtime.GOMAXPROCS(0) }

	limiter:=make(chan bool, maxThreads)
	for wIdx:=0; wIdx<m.Nw; wIdx++ {
		limiter <- true
		go func(wIdx int) {
			defer func() { <-limiter }()
			f:=fft.New2D(m.GridNy, m.GridNx)
			sy, sx:=m.WindowShift(epoch, wIdx, xctr, yctr, ny, nx)
			phasor:=fft.ShiftPhasor(m.GridNy, m.GridNx, -sy, -sx)
			shifted:=make([]float64, m.GridNy*m.GridNx)
			m.shiftCrop(m.PSF[epoch][wIdx], phasor, f, shifted)
			plane:=make([]float64, ny*nx)
			accumulateWindow(plane, shifted, ny, nx, m.GridNx, 1)
			out[wIdx]=plane
		}(wIdx)
	}
	for i:=0; i<cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	return out, nil
}

// Renders one wavelength plane. Reads only immutable slices of the model, so
// concurrent calls for different wavelengths are safe
func (m *Model) renderPlane(epoch, wIdx int, xctr, yctr float64, ny, nx int, which Component, f *fft.FFT2) []float64 {
	plane:=make([]float64, ny*nx)

	if which==SkyOnly || which==All {
		sky:=m.Sky[epoch][wIdx]
		for i:=range plane { plane[i]+=sky }
	}
	if which==SkyOnly {
		return plane
	}

	sy, sx:=m.WindowShift(epoch, wIdx, xctr, yctr, ny, nx)
	phasor:=fft.ShiftPhasor(m.GridNy, m.GridNx, -sy, -sx)

	shifted:=make([]float64, m.GridNy*m.GridNx)
	if which==GalaxyOnly || which==All {
		m.shiftCrop(m.Galaxy[wIdx], phasor, f, shifted)
		accumulateWindow(plane, shifted, ny, nx, m.GridNx, 1)
	}
	if (which==SNOnly || which==All) && m.SN[epoch][wIdx]!=0 {
		m.shiftCrop(m.PSF[epoch][wIdx], phasor, f, shifted)
		accumulateWindow(plane, shifted, ny, nx, m.GridNx, m.SN[epoch][wIdx])
	}
	return plane
}

// Applies the shift phasor to src in the frequency domain and leaves the real
// shifted grid in dst (native grid size)
func (m *Model) shiftCrop(src []float64, phasor []complex128, f *fft.FFT2, dst []float64) {
	c:=fft.ToComplex(src)
	f.Forward(c)
	fft.Mul(c, phasor)
	f.Inverse(c)
	fft.Real(dst, c)
}

// Adds scale * the top-left ny x nx window of the native grid into plane
func accumulateWindow(plane, grid []float64, ny, nx, gridNx int, scale float64) {
	for y:=0; y<ny; y++ {
		src:=grid[y*gridNx : y*gridNx+nx]
		dst:=plane[y*nx : (y+1)*nx]
		for x, v:=range src {
			dst[x]+=scale*v
		}
	}
}
