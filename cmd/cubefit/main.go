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

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/galsub/cubefit/internal/pipeline"
	"github.com/galsub/cubefit/internal/rest"
)

const version = "0.1.2"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out     = flag.String("out", ".", "output `directory` for fitted model files")
var prefix  = flag.String("prefix", "job", "filename `prefix` for output files")
var log     = flag.String("log", "", "save log output to `file` in addition to stdout")
var threads = flag.Int64("threads", 0, "maximum concurrent wavelength renders, 0=auto")

var chroot = flag.String("chroot", "", "serve mode: change filesystem root to `directory` (requires root)")
var setuid = flag.Int64("setuid", -1, "serve mode: change user id to `uid` after opening the port, -1=no op")

func main() {
	var logWriter io.Writer=os.Stdout
	debug.SetGCPercent(10)
	start:=time.Now()
	flag.Usage=func(){
		fmt.Fprintf(logWriter, `Cubefit Copyright (c) 2026 The cubefit authors
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (fit|serve|legal|version) (job.json)

Commands:
  fit     Fit the galaxy subtraction model for the given JSON job configuration
  serve   Accept fit jobs via the REST API on port 8080
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// log to file in addition to stdout, if selected
	if *log!="" {
		f, err:=os.Create(*log)
		if err!=nil {
			fmt.Fprintf(logWriter, "Unable to open logfile '%s': %s\n", *log, err.Error())
			os.Exit(-1)
		}
		defer f.Close()
		logWriter=io.MultiWriter(os.Stdout, f)
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			fmt.Fprintf(logWriter, "Could not create CPU profile: %s\n", err.Error())
			os.Exit(-1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(logWriter, "Could not start CPU profile: %s\n", err.Error())
			os.Exit(-1)
		}
		defer pprof.StopCPUProfile()
	}

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}

	switch args[0] {
	case "fit":
		if len(args)<2 {
			fmt.Fprintf(logWriter, "Missing job configuration file\n\n")
			flag.Usage()
			os.Exit(-1)
		}
		cmdFit(args[1], logWriter)

	case "serve":
		if err:=rest.MakeSandbox(*chroot, int(*setuid)); err!=nil {
			fmt.Fprintf(logWriter, "Error entering sandbox: %s\n", err.Error())
			os.Exit(-1)
		}
		rest.Serve()

	case "legal":
		fmt.Fprintf(logWriter, "%s\n", legal)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed:=time.Now().Sub(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			fmt.Fprintf(logWriter, "Could not create memory profile: %s\n", err.Error())
			os.Exit(-1)
		}
		defer f.Close()
		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(logWriter, "Could not write memory profile: %s\n", err.Error())
			os.Exit(-1)
		}
	}
}

func cmdFit(configFile string, logWriter io.Writer) {
	conf, err:=pipeline.LoadConfigFile(configFile)
	if err!=nil {
		fmt.Fprintf(logWriter, "Error loading %s: %s\n", configFile, err.Error())
		os.Exit(-1)
	}

	ctx:=pipeline.NewContext(logWriter)
	if *threads>0 {
		ctx.MaxThreads=int(*threads)
	}

	res, err:=pipeline.Run(conf, ctx)
	if err!=nil {
		fmt.Fprintf(logWriter, "Error fitting: %s\n", err.Error())
		os.Exit(-1)
	}
	if res.FitError!=nil {
		fmt.Fprintf(logWriter, "Warning: %s\n", res.FitError.Error())
	}
	for _, r:=range res.Registration {
		fmt.Fprintf(logWriter, "Registration result: %+v\n", r)
	}

	if err:=pipeline.WriteOutputs(res, *out, *prefix, ctx); err!=nil {
		fmt.Fprintf(logWriter, "Error writing outputs: %s\n", err.Error())
		os.Exit(-1)
	}
}
