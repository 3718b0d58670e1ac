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
	"os"

	"github.com/astrogo/fitsio"
)

// Header keys copied into Cube.Header from the reference exposure
var selectHeaderKeys=[]string{
	"OBJECT", "RA", "DEC", "EXPTIME", "FILTER", "TEMP", "PRESSURE", "CHANNEL", "PARANG", "AIRMASS",
}

// ReadDataset loads one FITS cube per epoch and assembles the multi-epoch store.
// Each file carries the flux cube in the primary HDU (axes NAXIS1=x, NAXIS2=y,
// NAXIS3=wavelength) and the per-spaxel variance in the first extension; variance
// is converted to inverse variance weights, non-positive variance becomes zero
// weight. The wavelength grid comes from CRVAL3/CDELT3 of the reference exposure.
// headerFrom selects the epoch whose header keys are retained
func ReadDataset(fileNames []string, isFinalRef []bool, masterFinalRef int,
	spaxelSize float64, headerFrom int, logWriter io.Writer) (*Cube, error) {

	if len(fileNames)==0 { return nil, fmt.Errorf("cube: no input files") }

	var data, weight [][][]float64
	var wave []float64
	var header map[string]interface{}
	ny, nx:=0, 0

	for epoch, fileName:=range fileNames {
		flux, variance, w, hdr, eny, enx, err:=readEpoch(fileName)
		if err!=nil {
			return nil, fmt.Errorf("cube: reading %s: %w", fileName, err)
		}
		if epoch==0 {
			ny, nx=eny, enx
		} else if eny!=ny || enx!=nx || len(flux)!=len(data[0]) {
			return nil, fmt.Errorf("cube: %s dimensions differ from first epoch", fileName)
		}
		if epoch==headerFrom || (header==nil && epoch==0) {
			header=hdr
			wave=w
		}

		wt:=make([][]float64, len(variance))
		for wIdx:=range variance {
			wt[wIdx]=make([]float64, len(variance[wIdx]))
			for i, v:=range variance[wIdx] {
				if v>0 {
					wt[wIdx][i]=1/v
				}
			}
		}
		data=append(data, flux)
		weight=append(weight, wt)

		fmt.Fprintf(logWriter, "%d: Loaded %dx%dx%d cube from %s\n", epoch, len(flux), eny, enx, fileName)
	}

	c, err:=New(data, weight, wave, isFinalRef, masterFinalRef, header, spaxelSize, ny, nx)
	if err!=nil { return nil, err }

	if fixed:=c.NeutralizeNaNs(); fixed>0 {
		fmt.Fprintf(logWriter, "Zeroed %d NaN spaxel values and their weights\n", fixed)
	}
	return c, nil
}

// Reads flux planes, variance planes, wavelength grid and selected header keys
// from a single epoch's file
func readEpoch(fileName string) (flux, variance [][]float64, wave []float64,
	header map[string]interface{}, ny, nx int, err error) {

	r, err:=os.Open(fileName)
	if err!=nil { return nil, nil, nil, nil, 0, 0, err }
	defer r.Close()

	f, err:=fitsio.Open(r)
	if err!=nil { return nil, nil, nil, nil, 0, 0, err }
	defer f.Close()

	if len(f.HDUs())<2 {
		return nil, nil, nil, nil, 0, 0, fmt.Errorf("expect flux HDU plus variance extension, got %d HDUs", len(f.HDUs()))
	}
	fluxHDU, ok:=f.HDU(0).(fitsio.Image)
	if !ok { return nil, nil, nil, nil, 0, 0, fmt.Errorf("primary HDU is not an image") }
	varHDU, ok:=f.HDU(1).(fitsio.Image)
	if !ok { return nil, nil, nil, nil, 0, 0, fmt.Errorf("first extension is not an image") }

	hdr:=fluxHDU.Header()
	axes:=hdr.Axes()
	if len(axes)!=3 {
		return nil, nil, nil, nil, 0, 0, fmt.Errorf("expect 3 axes, got %d", len(axes))
	}
	nx, ny, nw:=axes[0], axes[1], axes[2]

	flux, err=readPlanes(fluxHDU, nw, ny, nx)
	if err!=nil { return nil, nil, nil, nil, 0, 0, fmt.Errorf("flux: %w", err) }
	variance, err=readPlanes(varHDU, nw, ny, nx)
	if err!=nil { return nil, nil, nil, nil, 0, 0, fmt.Errorf("variance: %w", err) }

	wave, err=waveGrid(hdr, nw)
	if err!=nil { return nil, nil, nil, nil, 0, 0, err }

	header=make(map[string]interface{})
	for _, key:=range selectHeaderKeys {
		if card:=hdr.Get(key); card!=nil {
			header[key]=card.Value
		}
	}
	return flux, variance, wave, header, ny, nx, nil
}

func readPlanes(img fitsio.Image, nw, ny, nx int) ([][]float64, error) {
	n:=nw*ny*nx
	raw:=make([]float64, n)
	switch bitpix:=img.Header().Bitpix(); bitpix {
	case -64:
		if err:=img.Read(&raw); err!=nil { return nil, err }
	case -32:
		tmp:=make([]float32, n)
		if err:=img.Read(&tmp); err!=nil { return nil, err }
		for i, v:=range tmp { raw[i]=float64(v) }
	case 16:
		tmp:=make([]int16, n)
		if err:=img.Read(&tmp); err!=nil { return nil, err }
		for i, v:=range tmp { raw[i]=float64(v) }
	case 32:
		tmp:=make([]int32, n)
		if err:=img.Read(&tmp); err!=nil { return nil, err }
		for i, v:=range tmp { raw[i]=float64(v) }
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	planes:=make([][]float64, nw)
	for wIdx:=0; wIdx<nw; wIdx++ {
		planes[wIdx]=raw[wIdx*ny*nx : (wIdx+1)*ny*nx]
	}
	return planes, nil
}

func waveGrid(hdr *fitsio.Header, nw int) ([]float64, error) {
	crval:=hdr.Get("CRVAL3")
	cdelt:=hdr.Get("CDELT3")
	if crval==nil || cdelt==nil {
		return nil, fmt.Errorf("missing CRVAL3/CDELT3 wavelength calibration")
	}
	w0, ok1:=headerFloat(crval.Value)
	dw, ok2:=headerFloat(cdelt.Value)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("non-numeric CRVAL3/CDELT3 wavelength calibration")
	}
	wave:=make([]float64, nw)
	for i:=range wave {
		wave[i]=w0 + dw*float64(i)
	}
	return wave, nil
}

func headerFloat(v interface{}) (float64, bool) {
	switch x:=v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
