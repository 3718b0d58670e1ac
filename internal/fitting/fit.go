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
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/galsub/cubefit/internal/cube"
	"github.com/galsub/cubefit/internal/model"
)

// The optimizer exhausted its iteration budget without reducing the objective
// below the sanity threshold. The model holds the last iterate; callers decide
// whether to keep or discard it
type FitDidNotConvergeError struct {
	Iterations int
	Objective  float64
}

func (e *FitDidNotConvergeError) Error() string {
	return fmt.Sprintf("fit did not converge after %d iterations, objective %g", e.Iterations, e.Objective)
}

// Tuning knobs for the alternating fit
type Options struct {
	OuterIterations int     // alternating galaxy and amplitude passes
	MaxIterations   int     // quasi-Newton iteration cap per galaxy pass
	GradTolerance   float64 // gradient infinity-norm threshold for the galaxy step
	MinReduction    float64 // required relative objective reduction over the whole run
}

func DefaultOptions() Options {
	return Options{
		OuterIterations: 5,
		MaxIterations:   100,
		GradTolerance:   1e-8,
		MinReduction:    1e-3,
	}
}

// FitAll runs the staged fit: a quasi-Newton galaxy pass holding SN and sky at
// their current estimates, then a closed-form per-epoch SN and sky refit
// holding the galaxy fixed, alternating for the configured number of outer
// iterations. Final reference epochs refit sky only. Returns
// *FitDidNotConvergeError when the objective did not come down by the
// configured fraction; the model then still holds the last iterate
func FitAll(m *model.Model, c *cube.Cube, opts Options, logWriter io.Writer) error {
	initial, _, err:=Penalty(m, c)
	if err!=nil {
		return err
	}
	fmt.Fprintf(logWriter, "Fit: initial objective %.6g over %d epochs x %d wavelengths\n", initial, m.Nt, m.Nw)

	totalIters, val:=0, initial
	for outer:=0; outer<opts.OuterIterations; outer++ {
		iters, err:=FitGalaxy(m, c, opts)
		if err!=nil {
			return err
		}
		totalIters+=iters
		if err:=FitAmplitudes(m, c); err!=nil {
			return err
		}
		if val, _, err=Penalty(m, c); err!=nil {
			return err
		}
		fmt.Fprintf(logWriter, "Fit: outer iteration %d objective %.6g after %d galaxy iterations\n", outer+1, val, iters)
	}

	if initial>0 && val>(1-opts.MinReduction)*initial {
		return &FitDidNotConvergeError{Iterations: totalIters, Objective: val}
	}
	return nil
}

// FitGalaxy minimizes the penalty over the galaxy with L-BFGS, holding SN, sky
// and registration fixed. The galaxy is flattened only at the optimizer
// boundary; gradients stay in native grid layout everywhere else. Negative
// pixels of the solution are clamped to zero afterwards, keeping the galaxy
// flux non-negative. Returns the number of optimizer iterations used
func FitGalaxy(m *model.Model, c *cube.Cube, opts Options) (int, error) {
	// positions stay fixed during this pass, so render errors cannot appear
	// later; refuse bad geometry up front
	for epoch:=0; epoch<m.Nt; epoch++ {
		if err:=m.CheckWindow(epoch, m.DataXctr[epoch], m.DataYctr[epoch], c.Ny, c.Nx); err!=nil {
			return 0, err
		}
	}

	x0:=make([]float64, m.Nw*m.GridNy*m.GridNx)
	flatten(m.Galaxy, x0)

	// the penalty yields value and gradient in one pass; cache the last
	// evaluation so the optimizer's separate Func and Grad calls at the same
	// point cost one render, not two
	var lastX, lastGrad []float64
	var lastVal float64
	ensure:=func(x []float64) {
		if lastX!=nil && floats.Equal(x, lastX) {
			return
		}
		unflatten(x, m.Galaxy)
		val, grad, err:=Penalty(m, c)
		if err!=nil { // unreachable, geometry checked above
			panic(err)
		}
		lastX=append(lastX[:0], x...)
		lastVal=val
		if lastGrad==nil {
			lastGrad=make([]float64, len(x))
		}
		flatten(grad, lastGrad)
	}

	problem:=optimize.Problem{
		Func: func(x []float64) float64 {
			ensure(x)
			return lastVal
		},
		Grad: func(grad, x []float64) {
			ensure(x)
			copy(grad, lastGrad)
		},
	}
	settings:=&optimize.Settings{
		MajorIterations:   opts.MaxIterations,
		GradientThreshold: opts.GradTolerance,
	}

	res, err:=optimize.Minimize(problem, x0, settings, &optimize.LBFGS{})
	if res!=nil {
		for i, v:=range res.X {
			if v<0 { res.X[i]=0 }
		}
		unflatten(res.X, m.Galaxy)
	}
	if err!=nil {
		return 0, fmt.Errorf("galaxy fit: %w", err)
	}
	return res.Stats.MajorIterations, nil
}

// FitAmplitudes refits the per-epoch, per-wavelength SN amplitude and flat sky
// level holding the galaxy fixed. With the galaxy prediction subtracted the
// problem is linear: a weighted 2x2 normal equation system per wavelength,
// solved by Cholesky. Final reference epochs, where the point source has
// faded, solve for the sky level alone and keep SN untouched
func FitAmplitudes(m *model.Model, c *cube.Cube) error {
	for epoch:=0; epoch<m.Nt; epoch++ {
		gal, err:=m.Evaluate(epoch, m.DataXctr[epoch], m.DataYctr[epoch], c.Ny, c.Nx, model.GalaxyOnly)
		if err!=nil {
			return err
		}
		fitSN:=!c.IsFinalRef[epoch]
		var psf [][]float64
		if fitSN {
			if psf, err=m.PointSourceWindow(epoch, m.DataXctr[epoch], m.DataYctr[epoch], c.Ny, c.Nx); err!=nil {
				return err
			}
		}

		for wIdx:=0; wIdx<m.Nw; wIdx++ {
			d:=c.Data[epoch][wIdx]
			w:=c.Weight[epoch][wIdx]
			g:=gal[wIdx]

			wsum, wr:=0.0, 0.0
			for i:=range d {
				wsum+=w[i]
				wr+=w[i]*(d[i]-g[i])
			}
			if !fitSN {
				if wsum>0 {
					m.Sky[epoch][wIdx]=wr/wsum
				}
				continue
			}

			p:=psf[wIdx]
			wp, wpp, wpr:=0.0, 0.0, 0.0
			for i:=range d {
				wp+=w[i]*p[i]
				wpp+=w[i]*p[i]*p[i]
				wpr+=w[i]*p[i]*(d[i]-g[i])
			}

			a:=mat.NewSymDense(2, []float64{wpp, wp, wp, wsum})
			b:=mat.NewVecDense(2, []float64{wpr, wr})
			var chol mat.Cholesky
			if chol.Factorize(a) {
				var x mat.VecDense
				if err:=chol.SolveVecTo(&x, b); err==nil {
					m.SN[epoch][wIdx]=x.AtVec(0)
					m.Sky[epoch][wIdx]=x.AtVec(1)
					continue
				}
			}
			// degenerate system, e.g. fully masked plane: keep SN, fit sky alone
			if wsum>0 {
				m.Sky[epoch][wIdx]=wr/wsum
			}
		}
	}
	return nil
}

// flatten copies galaxy planes into a contiguous vector, wavelength-major
func flatten(planes [][]float64, dst []float64) {
	i:=0
	for _, p:=range planes {
		copy(dst[i:i+len(p)], p)
		i+=len(p)
	}
}

// unflatten copies a contiguous vector back into galaxy plane layout
func unflatten(src []float64, planes [][]float64) {
	i:=0
	for _, p:=range planes {
		copy(p, src[i:i+len(p)])
		i+=len(p)
	}
}
