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


package render

import (
	"bytes"
	"image/jpeg"
	"math"
	"testing"

	"golang.org/x/image/tiff"
)

func gradientPlane(ny, nx int) []float64 {
	plane:=make([]float64, ny*nx)
	for i:=range plane {
		plane[i]=float64(i)
	}
	return plane
}

func TestWriteFalseColorJPG(t *testing.T) {
	const ny, nx=24, 32
	var buf bytes.Buffer
	if err:=WriteFalseColorJPG(&buf, gradientPlane(ny, nx), ny, nx, 95); err!=nil {
		t.Fatalf("encode: %s", err)
	}
	img, err:=jpeg.Decode(&buf)
	if err!=nil { t.Fatalf("decode: %s", err) }
	b:=img.Bounds()
	if b.Dx()!=nx || b.Dy()!=ny {
		t.Errorf("decoded %dx%d, expect %dx%d", b.Dx(), b.Dy(), nx, ny)
	}
}

func TestWriteTIFF16EndpointsAndNaN(t *testing.T) {
	const ny, nx=8, 8
	plane:=gradientPlane(ny, nx)
	plane[5]=math.NaN()

	var buf bytes.Buffer
	if err:=WriteTIFF16(&buf, plane, ny, nx); err!=nil {
		t.Fatalf("encode: %s", err)
	}
	img, err:=tiff.Decode(&buf)
	if err!=nil { t.Fatalf("decode: %s", err) }

	r, _, _, _:=img.At(0, 0).RGBA()
	if r!=0 {
		t.Errorf("minimum pixel should map to black, got %d", r)
	}
	r, _, _, _=img.At(nx-1, ny-1).RGBA()
	if r!=65535 {
		t.Errorf("maximum pixel should map to white, got %d", r)
	}
	r, _, _, _=img.At(5, 0).RGBA()
	if r!=0 {
		t.Errorf("NaN pixel should export as black, got %d", r)
	}
}

func TestPlaneSizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	if err:=WriteTIFF16(&buf, make([]float64, 10), 4, 4); err==nil {
		t.Errorf("expected an error for mismatched plane size")
	}
}
