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


package psf

import (
	"fmt"
	"math"
)

// Shape constants of the Gaussian+Moffat seeing model. The Moffat exponent and
// the Gaussian/Moffat mixing ratio are fixed instrument characteristics, not
// per-exposure fit parameters; only ellipticity and alpha vary per epoch and
// wavelength. Treat as immutable after construction
type GaussMoffatConfig struct {
	Eta    float64 // Amplitude of the Gaussian core relative to the Moffat profile
	Beta   float64 // Moffat exponent
	Sigma0 float64 // Gaussian core width at alpha=0...
	Sigma1 float64 // ...plus Sigma1*alpha
}

// Seeing model constants for the lenslet spectrograph
func DefaultGaussMoffatConfig() GaussMoffatConfig {
	return GaussMoffatConfig{
		Eta:    0.8,
		Beta:   2.5,
		Sigma0: 0.545,
		Sigma1: 0.215,
	}
}

// PSF shape parameters outside their valid domain. Fatal for model construction:
// a malformed kernel corrupts every downstream computation
type InvalidParameterError struct {
	Epoch, Wave        int
	Ellipticity, Alpha float64
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid PSF parameters at epoch %d wavelength index %d: ellipticity %g alpha %g (both must be >0 and finite)",
		e.Epoch, e.Wave, e.Ellipticity, e.Alpha)
}

// GaussMoffat4D synthesizes the instrument PSF for every epoch and wavelength as
// a kernel array [epoch][wave][y*nx+x] on an ny x nx grid. Each spatial plane is
// non-negative and sums to exactly 1 in discrete terms, so kernels behave like
// probability masses. Kernels are centered on the geometric grid center
// ((ny-1)/2, (nx-1)/2)
func GaussMoffat4D(cfg GaussMoffatConfig, ellipticity, alpha [][]float64, ny, nx int) ([][][]float64, error) {
	kernels:=make([][][]float64, len(ellipticity))
	for epoch:=range ellipticity {
		if len(alpha[epoch])!=len(ellipticity[epoch]) {
			return nil, fmt.Errorf("ellipticity and alpha length mismatch at epoch %d: %d vs %d",
				epoch, len(ellipticity[epoch]), len(alpha[epoch]))
		}
		kernels[epoch]=make([][]float64, len(ellipticity[epoch]))
		for wave:=range ellipticity[epoch] {
			e, a:=ellipticity[epoch][wave], alpha[epoch][wave]
			if !(e>0) || !(a>0) || math.IsInf(e, 1) || math.IsInf(a, 1) {
				return nil, &InvalidParameterError{Epoch: epoch, Wave: wave, Ellipticity: e, Alpha: a}
			}
			kernels[epoch][wave]=gaussMoffatPlane(cfg, e, a, ny, nx)
		}
	}
	return kernels, nil
}

// One normalized PSF plane for given shape parameters
func gaussMoffatPlane(cfg GaussMoffatConfig, ellipticity, alpha float64, ny, nx int) []float64 {
	cy:=float64(ny-1)/2
	cx:=float64(nx-1)/2
	sigma:=cfg.Sigma0 + cfg.Sigma1*alpha

	plane:=make([]float64, ny*nx)
	sum:=0.0
	for y:=0; y<ny; y++ {
		dy:=(float64(y)-cy)/ellipticity
		for x:=0; x<nx; x++ {
			dx:=float64(x)-cx
			r2:=dx*dx + dy*dy
			moffat:=math.Pow(1+r2/(alpha*alpha), -cfg.Beta)
			gauss:=math.Exp(-r2/(2*sigma*sigma))
			v:=moffat + cfg.Eta*gauss
			plane[y*nx+x]=v
			sum+=v
		}
	}
	for i:=range plane {
		plane[i]/=sum
	}
	return plane
}
