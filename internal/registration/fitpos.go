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


package registration

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/galsub/cubefit/internal/cube"
	"github.com/galsub/cubefit/internal/fitting"
	"github.com/galsub/cubefit/internal/model"
	"github.com/galsub/cubefit/internal/stats"
)

// Tuning knobs for per-epoch position refinement
type Options struct {
	MaxIter    int     // simplex search step cap per epoch
	MaxMove    float64 // acceptance radius around the initial position, spaxels
	MaskNMAD   float64 // support threshold: min + MaskNMAD*MAD of summed model flux
	MinSpaxels int     // minimum unmasked spaxels to attempt a search
	RefitSky   bool    // re-estimate a per-wavelength sky shift at each candidate
}

func DefaultOptions() Options {
	return Options{
		MaxIter:    100,
		MaxMove:    3.0,
		MaskNMAD:   2.5,
		MinSpaxels: 20,
	}
}

// Outcome of position refinement for one epoch. Skips and rejections are
// expected outcomes recorded here, not errors
type Result struct {
	Epoch     int
	Attempted bool    // false: insufficient unmasked support, nothing searched
	Converged bool    // the search met its convergence criterion within MaxIter
	X, Y      float64 // best position found
	Moved     float64 // Euclidean distance from the initial position
	Accepted  bool    // position written back to the model
	Excluded  bool    // wanted to move beyond MaxMove; epoch flagged out of joint fits
}

// SupportMask flags the spaxels a position search may trust: those whose flux
// rises above the minimum by more than nmad median absolute deviations. Flat
// or empty flux maps yield an empty mask
func SupportMask(flux []float64, nmad float64) []bool {
	min:=flux[0]
	for _, v:=range flux {
		if v<min { min=v }
	}
	mad:=stats.MAD(flux, stats.Median(flux))
	thresh:=min+nmad*mad

	mask:=make([]bool, len(flux))
	for i, v:=range flux {
		mask[i]=v>thresh
	}
	return mask
}

// FitPosition searches locally over the 2D window position of one epoch,
// minimizing the weighted data misfit with all model parameters held fixed.
// Candidates whose window leaves the native grid score +Inf, steering the
// simplex back inside. Returns the best position found and whether the search
// converged within its step cap; it never writes to the model
func FitPosition(m *model.Model, c *cube.Cube, epoch int, opts Options) (x, y float64, converged bool, err error) {
	x0, y0:=m.DataXctr[epoch], m.DataYctr[epoch]
	if err:=m.CheckWindow(epoch, x0, y0, c.Ny, c.Nx); err!=nil {
		return x0, y0, false, err
	}

	objective:=func(p []float64) float64 {
		if opts.RefitSky {
			v, err:=skyShiftedLikelihood(m, c, epoch, p[0], p[1])
			if err!=nil { return math.Inf(1) }
			return v
		}
		v, err:=fitting.EpochLikelihood(m, c, epoch, p[0], p[1])
		if err!=nil { return math.Inf(1) }
		return v
	}

	problem:=optimize.Problem{Func: objective}
	settings:=&optimize.Settings{MajorIterations: opts.MaxIter}
	res, err:=optimize.Minimize(problem, []float64{x0, y0}, settings, &optimize.NelderMead{})
	if err!=nil {
		return x0, y0, false, fmt.Errorf("position search for epoch %d: %w", epoch, err)
	}
	return res.X[0], res.X[1], res.Status!=optimize.IterationLimit, nil
}

// Likelihood of one epoch at a candidate position with a free per-wavelength
// sky shift: the weighted mean residual is absorbed before scoring, so sky
// misestimation does not bias the position
func skyShiftedLikelihood(m *model.Model, c *cube.Cube, epoch int, xctr, yctr float64) (float64, error) {
	pred, err:=m.Evaluate(epoch, xctr, yctr, c.Ny, c.Nx, model.All)
	if err!=nil {
		return 0, err
	}
	val:=0.0
	for wIdx:=0; wIdx<m.Nw; wIdx++ {
		d:=c.Data[epoch][wIdx]
		w:=c.Weight[epoch][wIdx]
		p:=pred[wIdx]

		wsum, wr:=0.0, 0.0
		for i:=range p {
			wsum+=w[i]
			wr+=w[i]*(d[i]-p[i])
		}
		shift:=0.0
		if wsum>0 { shift=wr/wsum }
		for i:=range p {
			r:=d[i]-p[i]-shift
			val+=w[i]*r*r
		}
	}
	return val, nil
}

// RefineAll re-registers every non-master final reference epoch against its
// data: the point source has faded there, so the galaxy itself anchors the
// position. Spaxels without significant model flux are masked out of the
// epoch's weights for the duration of the search and restored afterwards.
// A refined position is written back to the model only when it stays within
// MaxMove of the starting position; an epoch that wants to move further is
// flagged excluded and left untouched
func RefineAll(m *model.Model, c *cube.Cube, opts Options, logWriter io.Writer) ([]Result, error) {
	results:=make([]Result, 0, m.Nt)
	for epoch:=0; epoch<m.Nt; epoch++ {
		if !c.IsFinalRef[epoch] || epoch==c.MasterFinalRef {
			continue
		}
		x0, y0:=m.DataXctr[epoch], m.DataYctr[epoch]
		r:=Result{Epoch: epoch, X: x0, Y: y0}

		pred, err:=m.Evaluate(epoch, x0, y0, c.Ny, c.Nx, model.All)
		if err!=nil {
			return nil, err
		}
		flux:=make([]float64, c.Ny*c.Nx)
		for wIdx:=range pred {
			for i, v:=range pred[wIdx] {
				flux[i]+=v
			}
		}
		mask:=SupportMask(flux, opts.MaskNMAD)
		n:=0
		for _, b:=range mask {
			if b { n++ }
		}
		if n<opts.MinSpaxels {
			fmt.Fprintf(logWriter, "Registration: epoch %d has %d unmasked spaxels, need %d, skipping\n", epoch, n, opts.MinSpaxels)
			results=append(results, r)
			continue
		}
		r.Attempted=true

		err=c.WithMaskedWeight(epoch, mask, func() error {
			x, y, converged, err:=FitPosition(m, c, epoch, opts)
			r.X, r.Y, r.Converged=x, y, converged
			return err
		})
		if err!=nil {
			return nil, err
		}

		r.Moved=math.Hypot(r.X-x0, r.Y-y0)
		if r.Moved<opts.MaxMove {
			r.Accepted=true
			m.DataXctr[epoch]=r.X
			m.DataYctr[epoch]=r.Y
			fmt.Fprintf(logWriter, "Registration: epoch %d moved %.3f spaxels to (%.3f, %.3f)\n", epoch, r.Moved, r.X, r.Y)
		} else {
			r.Excluded=true
			fmt.Fprintf(logWriter, "Registration: epoch %d wants to move %.3f spaxels, cap is %.1f, excluding epoch\n", epoch, r.Moved, opts.MaxMove)
		}
		results=append(results, r)
	}
	return results, nil
}
