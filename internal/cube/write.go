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
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteCube streams spatial planes as a 3D float64 FITS image with wavelength
// calibration cards, suitable for the fitted galaxy model
func WriteCube(w io.Writer, planes [][]float64, wave []float64, ny, nx int) error {
	if len(planes)==0 { return fmt.Errorf("cube: nothing to write") }
	if len(wave)!=len(planes) {
		return fmt.Errorf("cube: %d planes but %d wavelengths", len(planes), len(wave))
	}

	f, err:=fitsio.Create(w)
	if err!=nil { return err }
	defer f.Close()

	im:=fitsio.NewImage(-64, []int{nx, ny, len(planes)})
	defer im.Close()

	dw:=0.0
	if len(wave)>1 { dw=wave[1]-wave[0] }
	err=im.Header().Append(
		fitsio.Card{Name: "CRVAL3", Value: wave[0], Comment: "wavelength of first plane"},
		fitsio.Card{Name: "CDELT3", Value: dw, Comment: "wavelength step"},
	)
	if err!=nil { return err }

	buf:=make([]float64, 0, len(planes)*ny*nx)
	for _, plane:=range planes {
		buf=append(buf, plane...)
	}
	if err:=im.Write(&buf); err!=nil { return err }
	return f.Write(im)
}

// WriteSpectra streams per-epoch spectra (point source flux and sky level) as a
// 2D float64 FITS image with epochs along the slow axis
func WriteSpectra(w io.Writer, name string, spectra [][]float64, wave []float64) error {
	if len(spectra)==0 { return fmt.Errorf("cube: nothing to write") }
	nw:=len(spectra[0])
	if len(wave)!=nw {
		return fmt.Errorf("cube: %d wavelengths per spectrum but %d in grid", nw, len(wave))
	}

	f, err:=fitsio.Create(w)
	if err!=nil { return err }
	defer f.Close()

	im:=fitsio.NewImage(-64, []int{nw, len(spectra)})
	defer im.Close()

	dw:=0.0
	if len(wave)>1 { dw=wave[1]-wave[0] }
	err=im.Header().Append(
		fitsio.Card{Name: "EXTNAME", Value: name},
		fitsio.Card{Name: "CRVAL1", Value: wave[0], Comment: "wavelength of first bin"},
		fitsio.Card{Name: "CDELT1", Value: dw, Comment: "wavelength step"},
	)
	if err!=nil { return err }

	buf:=make([]float64, 0, len(spectra)*nw)
	for _, s:=range spectra {
		buf=append(buf, s...)
	}
	if err:=im.Write(&buf); err!=nil { return err }
	return f.Write(im)
}
