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
	"io/ioutil"
	"math"
	"testing"

	"github.com/galsub/cubefit/internal/cube"
	"github.com/galsub/cubefit/internal/model"
	"github.com/galsub/cubefit/internal/psf"
)

func TestSupportMaskExactThreshold(t *testing.T) {
	// 70 background spaxels at 1 and 30 bright at 10: the MAD collapses to
	// zero, so the threshold sits exactly at the background level
	flux:=make([]float64, 100)
	for i:=range flux { flux[i]=1 }
	for i:=0; i<30; i++ { flux[3*i]=10 }
	mask:=SupportMask(flux, 2.5)
	for i, m:=range mask {
		want:=flux[i]>1
		if m!=want {
			t.Fatalf("spaxel %d flux %g: mask %v, expect %v", i, flux[i], m, want)
		}
	}

	// ramp 0..9: min 0, median 4.5, MAD 2.5, threshold 6.25
	ramp:=[]float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	mask=SupportMask(ramp, 2.5)
	for i, m:=range mask {
		want:=ramp[i]>6.25
		if m!=want {
			t.Errorf("ramp spaxel %d: mask %v, expect %v", i, m, want)
		}
	}
}

// Two final-ref epochs sharing a centered galaxy blob; epoch 0 is the master.
// Data windows are rendered from the model itself, so the current position is
// already the optimum for epoch 1
func makeScene(t *testing.T, galaxyScale float64) (*model.Model, *cube.Cube) {
	t.Helper()
	const nt, nw, grid, win=2, 3, 32, 15

	ellipticity:=make([][]float64, nt)
	alpha:=make([][]float64, nt)
	adr:=make([][]float64, nt)
	sky:=make([][]float64, nt)
	for epoch:=0; epoch<nt; epoch++ {
		ellipticity[epoch]=[]float64{1, 1, 1}
		alpha[epoch]=[]float64{2, 2.2, 2.4}
		adr[epoch]=make([]float64, nw)
		sky[epoch]=make([]float64, nw)
	}
	psf4d, err:=psf.GaussMoffat4D(psf.DefaultGaussMoffatConfig(), ellipticity, alpha, grid, grid)
	if err!=nil { t.Fatalf("psf: %s", err) }

	m, err:=model.New(psf4d, adr, adr, make([]float64, nt), make([]float64, nt),
		sky, 0, 0, 0.43, grid, grid)
	if err!=nil { t.Fatalf("model: %s", err) }

	// the galaxy is a broad blob (reuse a PSF plane) or flat when scale is zero
	for wIdx:=0; wIdx<nw; wIdx++ {
		for i:=range m.Galaxy[wIdx] {
			if galaxyScale==0 {
				m.Galaxy[wIdx][i]=1
			} else {
				m.Galaxy[wIdx][i]=galaxyScale*psf4d[0][wIdx][i]
			}
		}
	}

	data:=make([][][]float64, nt)
	weight:=make([][][]float64, nt)
	for epoch:=0; epoch<nt; epoch++ {
		pred, err:=m.Evaluate(epoch, 0, 0, win, win, model.All)
		if err!=nil { t.Fatalf("evaluate: %s", err) }
		data[epoch]=make([][]float64, nw)
		weight[epoch]=make([][]float64, nw)
		for wIdx:=0; wIdx<nw; wIdx++ {
			data[epoch][wIdx]=append([]float64(nil), pred[wIdx]...)
			w:=make([]float64, win*win)
			for i:=range w { w[i]=1 }
			weight[epoch][wIdx]=w
		}
	}
	c, err:=cube.New(data, weight, []float64{5000, 5002, 5004}, []bool{true, true}, 0, nil, 0.43, win, win)
	if err!=nil { t.Fatalf("cube: %s", err) }
	return m, c
}

func TestRefineSkipsFlatFlux(t *testing.T) {
	m, c:=makeScene(t, 0) // uniform galaxy: no spaxel rises above min+2.5*MAD

	results, err:=RefineAll(m, c, DefaultOptions(), ioutil.Discard)
	if err!=nil { t.Fatalf("refine: %s", err) }
	if len(results)!=1 || results[0].Epoch!=1 {
		t.Fatalf("expected one result for epoch 1, got %+v", results)
	}
	r:=results[0]
	if r.Attempted || r.Accepted || r.Excluded {
		t.Errorf("flat flux must skip the search, got %+v", r)
	}
	if m.DataXctr[1]!=0 || m.DataYctr[1]!=0 {
		t.Errorf("skipped epoch must keep its position, got (%g, %g)", m.DataXctr[1], m.DataYctr[1])
	}
}

func TestRefineMovementCapExcludes(t *testing.T) {
	m, c:=makeScene(t, 100)

	opts:=DefaultOptions()
	opts.MinSpaxels=10
	opts.MaxMove=0 // any result fails the cap, including a perfect one
	results, err:=RefineAll(m, c, opts, ioutil.Discard)
	if err!=nil { t.Fatalf("refine: %s", err) }
	if len(results)!=1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	r:=results[0]
	if !r.Attempted {
		t.Fatalf("expected an attempted search, got %+v", r)
	}
	if r.Accepted || !r.Excluded {
		t.Errorf("movement beyond the cap must exclude the epoch, got %+v", r)
	}
	if m.DataXctr[1]!=0 || m.DataYctr[1]!=0 {
		t.Errorf("rejected position must leave the model unchanged, got (%g, %g)", m.DataXctr[1], m.DataYctr[1])
	}
}

func TestRefineAcceptsAlignedEpoch(t *testing.T) {
	m, c:=makeScene(t, 100)

	opts:=DefaultOptions()
	opts.MinSpaxels=10
	results, err:=RefineAll(m, c, opts, ioutil.Discard)
	if err!=nil { t.Fatalf("refine: %s", err) }
	if len(results)!=1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	r:=results[0]
	if !r.Attempted || !r.Accepted || r.Excluded {
		t.Errorf("aligned epoch must be accepted, got %+v", r)
	}
	if r.Moved>0.5 {
		t.Errorf("aligned epoch moved %g spaxels, expect near zero", r.Moved)
	}
	if math.Hypot(m.DataXctr[1], m.DataYctr[1])>0.5 {
		t.Errorf("position drifted to (%g, %g)", m.DataXctr[1], m.DataYctr[1])
	}

	// the mask is scoped to the search: weights must be back to one
	for wIdx:=0; wIdx<c.Nw; wIdx++ {
		for i, w:=range c.Weight[1][wIdx] {
			if w!=1 {
				t.Fatalf("weight not restored at wavelength %d spaxel %d: %g", wIdx, i, w)
			}
		}
	}
}
