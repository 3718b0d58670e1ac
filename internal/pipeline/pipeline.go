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


package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/galsub/cubefit/internal/cube"
	"github.com/galsub/cubefit/internal/fitting"
	"github.com/galsub/cubefit/internal/model"
	"github.com/galsub/cubefit/internal/psf"
	"github.com/galsub/cubefit/internal/registration"
	"github.com/galsub/cubefit/internal/render"
)

// An execution context for pipeline runs
type Context struct {
	Log        io.Writer
	MemoryMB   int // memory.TotalMemory()/1024/1024
	MaxThreads int
}

func NewContext(log io.Writer) *Context {
	maxThreads:=runtime.GOMAXPROCS(0)
	if pc:=cpuid.CPU.PhysicalCores; pc>0 && pc<maxThreads {
		maxThreads=pc // hyperthreads add nothing to the FFT-bound inner loops
	}
	return &Context{
		Log:        log,
		MemoryMB:   int(memory.TotalMemory()/1024/1024),
		MaxThreads: maxThreads,
	}
}

// Outcome of a full galaxy subtraction run
type Result struct {
	Cube         *cube.Cube
	Model        *model.Model
	Registration []registration.Result
	IncludeInFit []bool // per epoch, false when registration excluded it
	FitError     error  // non-nil when the fit stopped at its sanity threshold
}

// Run loads the dataset named by the configuration and fits it
func Run(conf *Config, ctx *Context) (*Result, error) {
	headerFrom:=conf.MasterFinalRef()
	if headerFrom<0 { headerFrom=0 }
	c, err:=cube.ReadDataset(conf.InCubes, conf.FinalRefFlags(), conf.MasterFinalRef(),
		conf.SpaxelSize, headerFrom, ctx.Log)
	if err!=nil {
		return nil, err
	}
	return RunOnCube(conf, ctx, c)
}

// RunOnCube fits an already loaded dataset: synthesize the PSF on the native
// model grid, guess the sky from the data, run the alternating galaxy and
// amplitude fit, then refine the registration of the non-master final
// reference epochs. A fit that stops at its sanity threshold is reported in
// the result, not fatal; the model still holds the last iterate
func RunOnCube(conf *Config, ctx *Context, c *cube.Cube) (*Result, error) {
	fmt.Fprintf(ctx.Log, "Pipeline: %d epochs of %d wavelengths, %dx%d spaxels, %d MB RAM, %d threads\n",
		c.Nt, c.Nw, c.Ny, c.Nx, ctx.MemoryMB, ctx.MaxThreads)

	psf4d, err:=psf.GaussMoffat4D(psf.DefaultGaussMoffatConfig(), conf.PSFEllipticity, conf.PSFAlpha,
		model.DefaultGridNy, model.DefaultGridNx)
	if err!=nil {
		return nil, err
	}

	skyGuess:=c.GuessSky(2.0)
	xctr, yctr:=conf.InitialPositions()
	m, err:=model.New(psf4d, conf.AdrDx, conf.AdrDy, xctr, yctr, skyGuess,
		conf.MuXY, conf.MuWave, conf.SpaxelSize, model.DefaultGridNy, model.DefaultGridNx)
	if err!=nil {
		return nil, err
	}
	m.MaxThreads=ctx.MaxThreads

	res:=&Result{Cube: c, Model: m}

	err=fitting.FitAll(m, c, fitting.DefaultOptions(), ctx.Log)
	var fitErr *fitting.FitDidNotConvergeError
	if errors.As(err, &fitErr) {
		fmt.Fprintf(ctx.Log, "Pipeline: %s, continuing with last iterate\n", fitErr.Error())
		res.FitError=fitErr
	} else if err!=nil {
		return nil, err
	}

	regOpts:=registration.DefaultOptions()
	regOpts.RefitSky=conf.RefitSkyInRegistration
	regs, err:=registration.RefineAll(m, c, regOpts, ctx.Log)
	if err!=nil {
		return nil, err
	}
	res.Registration=regs

	res.IncludeInFit=make([]bool, c.Nt)
	for i:=range res.IncludeInFit { res.IncludeInFit[i]=true }
	for _, r:=range regs {
		if r.Excluded { res.IncludeInFit[r.Epoch]=false }
	}
	return res, nil
}

// WriteOutputs stores the fitted galaxy as a FITS cube, the per-epoch SN and
// sky spectra as FITS tables, and a false color map of the summed galaxy flux
// for quick visual inspection, all under dir with the given name prefix
func WriteOutputs(res *Result, dir, prefix string, ctx *Context) error {
	m, c:=res.Model, res.Cube

	if err:=writeFile(filepath.Join(dir, prefix+"_galaxy.fits"), func(w io.Writer) error {
		return cube.WriteCube(w, m.Galaxy, c.Wave, m.GridNy, m.GridNx)
	}); err!=nil {
		return err
	}
	if err:=writeFile(filepath.Join(dir, prefix+"_sn.fits"), func(w io.Writer) error {
		return cube.WriteSpectra(w, "SN", m.SN, c.Wave)
	}); err!=nil {
		return err
	}
	if err:=writeFile(filepath.Join(dir, prefix+"_sky.fits"), func(w io.Writer) error {
		return cube.WriteSpectra(w, "SKY", m.Sky, c.Wave)
	}); err!=nil {
		return err
	}

	// white light image of the galaxy for eyeballing the subtraction
	flux:=make([]float64, m.GridNy*m.GridNx)
	for wIdx:=range m.Galaxy {
		for i, v:=range m.Galaxy[wIdx] {
			flux[i]+=v
		}
	}
	if err:=writeFile(filepath.Join(dir, prefix+"_galaxy.jpg"), func(w io.Writer) error {
		return render.WriteFalseColorJPG(w, flux, m.GridNy, m.GridNx, 95)
	}); err!=nil {
		return err
	}
	if err:=writeFile(filepath.Join(dir, prefix+"_galaxy.tif"), func(w io.Writer) error {
		return render.WriteTIFF16(w, flux, m.GridNy, m.GridNx)
	}); err!=nil {
		return err
	}

	fmt.Fprintf(ctx.Log, "Pipeline: wrote %s_{galaxy,sn,sky}.fits and diagnostics to %s\n", prefix, dir)
	return nil
}

func writeFile(fileName string, fn func(io.Writer) error) error {
	f, err:=os.Create(fileName)
	if err!=nil {
		return err
	}
	if err:=fn(f); err!=nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", fileName, err)
	}
	return f.Close()
}
