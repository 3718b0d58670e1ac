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


package fitting

import (
	"runtime"

	"github.com/galsub/cubefit/internal/cube"
	"github.com/galsub/cubefit/internal/fft"
	"github.com/galsub/cubefit/internal/model"
)

// Penalty evaluates the full galaxy objective at the model's current state:
// the weighted data misfit over all epochs plus the smoothness regularization,
// with the analytic gradient in galaxy grid layout. SN, sky, registration and
// PSF are held fixed
func Penalty(m *model.Model, c *cube.Cube) (float64, [][]float64, error) {
	val, grad, err:=Likelihood(m, c)
	if err!=nil {
		return 0, nil, err
	}
	rval, rgrad:=Regularization(m)
	val+=rval
	for wIdx:=range grad {
		g, rg:=grad[wIdx], rgrad[wIdx]
		for i:=range g {
			g[i]+=rg[i]
		}
	}
	return val, grad, nil
}

// Likelihood evaluates the weighted data misfit sum w*(data-model)^2 over all
// epochs at the current registration offsets, and its gradient with respect to
// each galaxy pixel. The gradient applies the adjoint of the render: the
// weighted residual window is embedded in the native grid and passed through
// the conjugate shift phasor, so no finite differencing is involved
func Likelihood(m *model.Model, c *cube.Cube) (float64, [][]float64, error) {
	grad:=make([][]float64, m.Nw)
	for wIdx:=range grad {
		grad[wIdx]=make([]float64, m.GridNy*m.GridNx)
	}

	// forward pass: residuals weighted for the adjoint, shared across wavelengths
	val:=0.0
	resid:=make([][][]float64, m.Nt)
	for epoch:=0; epoch<m.Nt; epoch++ {
		pred, err:=m.Evaluate(epoch, m.DataXctr[epoch], m.DataYctr[epoch], c.Ny, c.Nx, model.All)
		if err!=nil {
			return 0, nil, err
		}
		resid[epoch]=make([][]float64, m.Nw)
		for wIdx:=0; wIdx<m.Nw; wIdx++ {
			d:=c.Data[epoch][wIdx]
			w:=c.Weight[epoch][wIdx]
			p:=pred[wIdx]
			rw:=make([]float64, len(p))
			for i:=range p {
				r:=p[i]-d[i]
				val+=w[i]*r*r
				rw[i]=2*w[i]*r
			}
			resid[epoch][wIdx]=rw
		}
	}

	// adjoint pass, concurrent across wavelengths; each goroutine owns its
	// FFT plan and writes only its own gradient plane
	maxThreads:=m.MaxThreads
	if maxThreads<=0 { maxThreads=runtime.GOMAXPROCS(0) }
	limiter:=make(chan bool, maxThreads)
	for wIdx:=0; wIdx<m.Nw; wIdx++ {
		limiter <- true
		go func(wIdx int) {
			defer func() { <-limiter }()
			f:=fft.New2D(m.GridNy, m.GridNx)
			buf:=make([]complex128, m.GridNy*m.GridNx)
			g:=grad[wIdx]
			for epoch:=0; epoch<m.Nt; epoch++ {
				for i:=range buf { buf[i]=0 }
				rw:=resid[epoch][wIdx]
				for y:=0; y<c.Ny; y++ {
					for x:=0; x<c.Nx; x++ {
						buf[y*m.GridNx+x]=complex(rw[y*c.Nx+x], 0)
					}
				}
				sy, sx:=m.WindowShift(epoch, wIdx, m.DataXctr[epoch], m.DataYctr[epoch], c.Ny, c.Nx)
				phasor:=fft.ShiftPhasor(m.GridNy, m.GridNx, -sy, -sx)
				f.Forward(buf)
				fft.MulConj(buf, phasor)
				f.Inverse(buf)
				for i:=range g {
					g[i]+=real(buf[i])
				}
			}
		}(wIdx)
	}
	for i:=0; i<cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	return val, grad, nil
}

// Regularization evaluates the smoothness penalty on the current galaxy and
// its gradient: squared first differences between neighboring pixels within
// each wavelength slice, weighted by MuXY, plus squared differences between
// adjacent wavelengths at fixed pixel, weighted by MuWave
func Regularization(m *model.Model) (float64, [][]float64) {
	grad:=make([][]float64, m.Nw)
	for wIdx:=range grad {
		grad[wIdx]=make([]float64, m.GridNy*m.GridNx)
	}

	val:=0.0
	gNy, gNx:=m.GridNy, m.GridNx
	if m.MuXY!=0 {
		for wIdx:=0; wIdx<m.Nw; wIdx++ {
			g, gr:=m.Galaxy[wIdx], grad[wIdx]
			for y:=0; y<gNy; y++ {
				row:=y*gNx
				for x:=0; x<gNx-1; x++ {
					d:=g[row+x+1]-g[row+x]
					val+=m.MuXY*d*d
					gr[row+x+1]+=2*m.MuXY*d
					gr[row+x]-=2*m.MuXY*d
				}
			}
			for y:=0; y<gNy-1; y++ {
				for x:=0; x<gNx; x++ {
					d:=g[(y+1)*gNx+x]-g[y*gNx+x]
					val+=m.MuXY*d*d
					gr[(y+1)*gNx+x]+=2*m.MuXY*d
					gr[y*gNx+x]-=2*m.MuXY*d
				}
			}
		}
	}
	if m.MuWave!=0 {
		for wIdx:=1; wIdx<m.Nw; wIdx++ {
			prev, cur:=m.Galaxy[wIdx-1], m.Galaxy[wIdx]
			gprev, gcur:=grad[wIdx-1], grad[wIdx]
			for i:=range cur {
				d:=cur[i]-prev[i]
				val+=m.MuWave*d*d
				gcur[i]+=2*m.MuWave*d
				gprev[i]-=2*m.MuWave*d
			}
		}
	}
	return val, grad
}

// EpochLikelihood evaluates the weighted data misfit of a single epoch with
// the output window at a candidate position, holding all model parameters
// fixed. The registration refiner minimizes this over the position
func EpochLikelihood(m *model.Model, c *cube.Cube, epoch int, xctr, yctr float64) (float64, error) {
	pred, err:=m.Evaluate(epoch, xctr, yctr, c.Ny, c.Nx, model.All)
	if err!=nil {
		return 0, err
	}
	val:=0.0
	for wIdx:=0; wIdx<m.Nw; wIdx++ {
		d:=c.Data[epoch][wIdx]
		w:=c.Weight[epoch][wIdx]
		p:=pred[wIdx]
		for i:=range p {
			r:=d[i]-p[i]
			val+=w[i]*r*r
		}
	}
	return val, nil
}
