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
	"math"
	"testing"
)

func testArrays(nt, nw, ny, nx int, dataValue, weightValue float64) (data, weight [][][]float64) {
	data=make([][][]float64, nt)
	weight=make([][][]float64, nt)
	for epoch:=0; epoch<nt; epoch++ {
		data[epoch]=make([][]float64, nw)
		weight[epoch]=make([][]float64, nw)
		for wIdx:=0; wIdx<nw; wIdx++ {
			data[epoch][wIdx]=make([]float64, ny*nx)
			weight[epoch][wIdx]=make([]float64, ny*nx)
			for i:=0; i<ny*nx; i++ {
				data[epoch][wIdx][i]=dataValue
				weight[epoch][wIdx][i]=weightValue
			}
		}
	}
	return data, weight
}

func testCube(t *testing.T, nt, nw, ny, nx int) *Cube {
	t.Helper()
	data, weight:=testArrays(nt, nw, ny, nx, 1, 1)
	wave:=make([]float64, nw)
	for i:=range wave { wave[i]=5000+float64(i) }
	isFinalRef:=make([]bool, nt)
	for i:=range isFinalRef { isFinalRef[i]=true }
	c, err:=New(data, weight, wave, isFinalRef, 0, nil, 0.43, ny, nx)
	if err!=nil { t.Fatal(err) }
	return c
}

func TestNewValidation(t *testing.T) {
	data, weight:=testArrays(2, 3, 4, 4, 1, 1)
	wave:=[]float64{1, 2, 3}

	// master final ref outside range
	if _, err:=New(data, weight, wave, []bool{true, true}, 5, nil, 0.43, 4, 4); err==nil {
		t.Error("expected error for master final ref out of range")
	}
	// master not flagged as final ref
	if _, err:=New(data, weight, wave, []bool{false, true}, 0, nil, 0.43, 4, 4); err==nil {
		t.Error("expected error for unflagged master final ref")
	}
	// wavelength length mismatch
	if _, err:=New(data, weight, []float64{1, 2}, []bool{true, true}, 0, nil, 0.43, 4, 4); err==nil {
		t.Error("expected error for wavelength mismatch")
	}
	// negative weight
	weight[1][2][7]=-1
	if _, err:=New(data, weight, wave, []bool{true, true}, 0, nil, 0.43, 4, 4); err==nil {
		t.Error("expected error for negative weight")
	}
	weight[1][2][7]=1

	if _, err:=New(data, weight, wave, []bool{true, true}, 0, nil, 0.43, 4, 4); err!=nil {
		t.Errorf("valid cube rejected: %v", err)
	}
}

func TestNeutralizeNaNs(t *testing.T) {
	c:=testCube(t, 2, 3, 4, 4)
	c.Data[1][2][5]=math.NaN()
	c.Data[0][0][0]=math.NaN()

	fixed:=c.NeutralizeNaNs()
	if fixed!=2 {
		t.Errorf("fixed %d values, expect 2", fixed)
	}
	if c.Data[1][2][5]!=0 || c.Weight[1][2][5]!=0 {
		t.Error("NaN spaxel not neutralized")
	}
	if c.Data[0][0][0]!=0 || c.Weight[0][0][0]!=0 {
		t.Error("NaN spaxel not neutralized")
	}
}

func TestGuessSky(t *testing.T) {
	c:=testCube(t, 1, 2, 5, 5)
	// uniform background of 3 with a bright source in the middle
	for wIdx:=0; wIdx<2; wIdx++ {
		for i:=range c.Data[0][wIdx] { c.Data[0][wIdx][i]=3 }
		c.Data[0][wIdx][2*5+2]=500
	}
	sky:=c.GuessSky(2.0)
	for wIdx:=0; wIdx<2; wIdx++ {
		if math.Abs(sky[0][wIdx]-3)>1e-12 {
			t.Errorf("wavelength %d: sky guess %f, expect 3", wIdx, sky[0][wIdx])
		}
	}
}

func TestWithMaskedWeightRestores(t *testing.T) {
	c:=testCube(t, 1, 2, 3, 3)
	mask:=make([]bool, 9)
	mask[4]=true // keep only the center spaxel

	err:=c.WithMaskedWeight(0, mask, func() error {
		for wIdx:=0; wIdx<2; wIdx++ {
			for i:=0; i<9; i++ {
				expect:=0.0
				if i==4 { expect=1.0 }
				if c.Weight[0][wIdx][i]!=expect {
					t.Errorf("during fn: weight[%d][%d]=%f, expect %f", wIdx, i, c.Weight[0][wIdx][i], expect)
				}
			}
		}
		return nil
	})
	if err!=nil { t.Fatal(err) }

	for wIdx:=0; wIdx<2; wIdx++ {
		for i:=0; i<9; i++ {
			if c.Weight[0][wIdx][i]!=1 {
				t.Fatalf("weight not restored at [%d][%d]", wIdx, i)
			}
		}
	}
}

func TestWithMaskedWeightRestoresOnError(t *testing.T) {
	c:=testCube(t, 1, 1, 3, 3)
	mask:=make([]bool, 9)

	sentinel:=errors.New("fit failed")
	err:=c.WithMaskedWeight(0, mask, func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, expect sentinel error", err)
	}
	for i:=0; i<9; i++ {
		if c.Weight[0][0][i]!=1 {
			t.Fatalf("weight not restored after error at %d", i)
		}
	}
}
