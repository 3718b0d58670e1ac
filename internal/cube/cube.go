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


package cube

import (
	"errors"
	"fmt"
	"math"

	"github.com/galsub/cubefit/internal/stats"
)

// A multi-epoch IFU datacube with inverse variance weights.
// Spatial planes are stored row-major as ny*nx float64 values, so
// Data[epoch][wave][y*Nx+x] is the flux in one spaxel at one wavelength.
// Weight shares the layout; zero weight marks a masked or invalid spaxel
type Cube struct {
	Data   [][][]float64 // [epoch][wave][y*Nx+x], physical flux units
	Weight [][][]float64 // Same shape, inverse variance. Zero = masked
	Wave   []float64     // Wavelength per index, length Nw

	IsFinalRef     []bool // Per epoch: usable as a galaxy registration anchor
	MasterFinalRef int    // Epoch held fixed as absolute positional reference, -1 if none

	Header     map[string]interface{} // Opaque key/value pairs from the reference exposure
	SpaxelSize float64                // Physical scale in arcsec/spaxel

	Nt, Nw, Ny, Nx int
}

// New validates array shapes and reference flags and builds a Cube.
// data and weight must be [epoch][wave][ny*nx] with matching sizes
func New(data, weight [][][]float64, wave []float64, isFinalRef []bool, masterFinalRef int,
	header map[string]interface{}, spaxelSize float64, ny, nx int) (*Cube, error) {

	nt:=len(data)
	if nt==0 { return nil, errors.New("cube: no epochs") }
	nw:=len(data[0])
	if len(wave)!=nw {
		return nil, fmt.Errorf("cube: wavelength array length %d does not match data wavelength axis %d", len(wave), nw)
	}
	if len(weight)!=nt {
		return nil, fmt.Errorf("cube: weight has %d epochs, data has %d", len(weight), nt)
	}
	if len(isFinalRef)!=nt {
		return nil, fmt.Errorf("cube: final ref flags have length %d, expect %d", len(isFinalRef), nt)
	}
	for epoch:=0; epoch<nt; epoch++ {
		if len(data[epoch])!=nw || len(weight[epoch])!=nw {
			return nil, fmt.Errorf("cube: epoch %d has inconsistent wavelength axis", epoch)
		}
		for wIdx:=0; wIdx<nw; wIdx++ {
			if len(data[epoch][wIdx])!=ny*nx || len(weight[epoch][wIdx])!=ny*nx {
				return nil, fmt.Errorf("cube: epoch %d wavelength %d has inconsistent spatial size", epoch, wIdx)
			}
			for i, wt:=range weight[epoch][wIdx] {
				if wt<0 {
					return nil, fmt.Errorf("cube: negative weight %g at epoch %d wavelength %d spaxel %d", wt, epoch, wIdx, i)
				}
			}
		}
	}

	anyFinalRef:=false
	for _, f:=range isFinalRef {
		if f { anyFinalRef=true }
	}
	if anyFinalRef {
		if masterFinalRef<0 || masterFinalRef>=nt {
			return nil, fmt.Errorf("cube: master final ref %d out of range [0,%d)", masterFinalRef, nt)
		}
		if !isFinalRef[masterFinalRef] {
			return nil, fmt.Errorf("cube: master final ref %d is not flagged as a final ref", masterFinalRef)
		}
	}

	return &Cube{
		Data: data, Weight: weight, Wave: wave,
		IsFinalRef: isFinalRef, MasterFinalRef: masterFinalRef,
		Header: header, SpaxelSize: spaxelSize,
		Nt: nt, Nw: nw, Ny: ny, Nx: nx,
	}, nil
}

// NeutralizeNaNs zeroes data values and weights wherever the data is NaN, so
// downstream arithmetic never sees one. Returns the number of spaxel values fixed.
// NaN data is a quality condition of the instrument pipeline, not an error
func (c *Cube) NeutralizeNaNs() int {
	fixed:=0
	for epoch:=range c.Data {
		for wIdx:=range c.Data[epoch] {
			data, weight:=c.Data[epoch][wIdx], c.Weight[epoch][wIdx]
			for i, v:=range data {
				if math.IsNaN(v) {
					data[i]=0
					weight[i]=0
					fixed++
				}
			}
		}
	}
	return fixed
}

// GuessSky estimates a flat sky level per epoch and wavelength as the sigma
// clipped mean of the spatial plane, rejecting sources beyond the given number
// of standard deviations
func (c *Cube) GuessSky(sigma float64) [][]float64 {
	sky:=make([][]float64, c.Nt)
	for epoch:=range sky {
		sky[epoch]=make([]float64, c.Nw)
		for wIdx:=0; wIdx<c.Nw; wIdx++ {
			sky[epoch][wIdx]=stats.SigmaClippedMean(c.Data[epoch][wIdx], sigma)
		}
	}
	return sky
}

// EpochStats summarizes one epoch for log output. Large epochs are subsampled
// with the fast approximate estimators
func (c *Cube) EpochStats(epoch int) (basic *stats.BasicStats, median, mad float64) {
	flat:=make([]float64, 0, c.Nw*c.Ny*c.Nx)
	for wIdx:=0; wIdx<c.Nw; wIdx++ {
		flat=append(flat, c.Data[epoch][wIdx]...)
	}
	basic=stats.CalcBasicStats(flat)

	const numSamples=16*1024
	if len(flat)>4*numSamples {
		samples:=make([]float64, numSamples)
		median=stats.FastApproxMedian(flat, samples)
		mad=stats.FastApproxMAD(flat, median, samples)
	} else {
		median=stats.Median(flat)
		mad=stats.MAD(flat, median)*1.4826
	}
	return basic, median, mad
}

// WithMaskedWeight snapshots one epoch's weights, zeroes the weight of every
// spaxel whose mask entry is false across all wavelengths, runs fn, and restores
// the snapshot on every exit path. Callers must not run this concurrently for
// epochs sharing the weight array
func (c *Cube) WithMaskedWeight(epoch int, mask []bool, fn func() error) error {
	if len(mask)!=c.Ny*c.Nx {
		return fmt.Errorf("cube: mask length %d, expect %d", len(mask), c.Ny*c.Nx)
	}

	saved:=make([][]float64, c.Nw)
	for wIdx:=range saved {
		saved[wIdx]=append([]float64(nil), c.Weight[epoch][wIdx]...)
	}
	defer func() {
		for wIdx:=range saved {
			copy(c.Weight[epoch][wIdx], saved[wIdx])
		}
	}()

	for wIdx:=0; wIdx<c.Nw; wIdx++ {
		weight:=c.Weight[epoch][wIdx]
		for i, keep:=range mask {
			if !keep { weight[i]=0 }
		}
	}
	return fn()
}
