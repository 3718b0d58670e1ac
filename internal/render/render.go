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
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/tiff"
)

// WriteFalseColorJPG renders a flux plane as a false color JPEG for quick
// visual inspection. Flux is normalized to its own min and max, and mapped
// from dark blue through to bright yellow via a perceptually even HCL blend.
// NaNs export as the low end of the ramp
func WriteFalseColorJPG(writer io.Writer, plane []float64, ny, nx int, quality int) error {
	if len(plane)!=ny*nx {
		return errors.New("render: plane size does not match dimensions")
	}
	min, scale:=normalization(plane)

	low:=colorful.Hcl(280, 0.4, 0.05)
	high:=colorful.Hcl(90, 0.9, 0.95)

	img:=image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{nx, ny}})
	for y:=0; y<ny; y++ {
		for x:=0; x<nx; x++ {
			v:=clamp01((plane[y*nx+x]-min)*scale)
			col:=low.BlendHcl(high, v).Clamped()
			r, g, b:=col.RGB255()
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// WriteTIFF16 renders a flux plane as a 16-bit grayscale TIFF, normalized to
// its own min and max. NaNs export as black
func WriteTIFF16(writer io.Writer, plane []float64, ny, nx int) error {
	if len(plane)!=ny*nx {
		return errors.New("render: plane size does not match dimensions")
	}
	min, scale:=normalization(plane)

	img:=image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{nx, ny}})
	for y:=0; y<ny; y++ {
		for x:=0; x<nx; x++ {
			v:=clamp01((plane[y*nx+x]-min)*scale)
			img.SetGray16(x, y, color.Gray16{uint16(v*65535)})
		}
	}
	return tiff.Encode(writer, img, nil)
}

// The offset and scale mapping the finite values of plane onto [0,1].
// A constant plane maps to zero
func normalization(plane []float64) (min, scale float64) {
	min, max:=math.Inf(1), math.Inf(-1)
	for _, v:=range plane {
		if math.IsNaN(v) { continue }
		if v<min { min=v }
		if v>max { max=v }
	}
	if !(max>min) {
		return 0, 0
	}
	return min, 1/(max-min)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v<0 { return 0 }
	if v>1 { return 1 }
	return v
}
