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


package stats

import (
	"fmt"
	"math"
	"github.com/valyala/fastrand"
	"github.com/galsub/cubefit/internal/qsort"
)

// Basic statistics on data arrays
type BasicStats struct {
	Min    float64  // Minimum
	Max    float64  // Maximum
	Mean   float64  // Mean (average)
	StdDev float64  // Standard deviation (norm 2, sigma)
}

// Pretty print basic stats to string
func (s *BasicStats) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g",
	                 	s.Min, s.Max,   s.Mean,   s.StdDev)
}

// Calculate basic statistics for a data array.
func CalcBasicStats(data []float64) (s *BasicStats) {
	s=&BasicStats{}
	s.Min, s.Mean, s.Max=calcMinMeanMax(data)

	variance:=calcVariance(data, s.Mean)
	s.StdDev=math.Sqrt(variance)

	return s
}

// Calculate minimum, mean and maximum of given data
func calcMinMeanMax(data []float64) (min, mean, max float64) {
	mmin, mmean, mmax:=data[0], float64(0), data[0]
	for _,v := range data {
		if v<mmin {
			mmin=v
		}
		if v>mmax {
			mmax=v
		}
		mmean+=v
	}
	return mmin, mmean/float64(len(data)), mmax
}

// Calculate variance of given data from provided mean
func calcVariance(data []float64, mean float64) (result float64) {
	variance:=float64(0)
	for _,v :=range data {
		diff:=v-mean
		variance+=diff*diff
	}
	return variance/float64(len(data))
}

// Returns the exact median of the data. Does not change the data
func Median(data []float64) float64 {
	tmp:=make([]float64, len(data))
	copy(tmp, data)
	return qsort.QSelectMedianFloat64(tmp)
}

// Returns the exact median of absolute deviations from the given location.
// Does not change the data. Not normalized to Gaussian standard deviation
func MAD(data []float64, location float64) float64 {
	tmp:=make([]float64, len(data))
	for i,d:=range data {
		tmp[i]=math.Abs(d-location)
	}
	return qsort.QSelectMedianFloat64(tmp)
}

// Returns the sigma clipped mean of the data, rejecting outliers beyond
// sigma standard deviations from the median until convergence.
// Does not change the data
func SigmaClippedMean(data []float64, sigma float64) float64 {
	tmp:=make([]float64, len(data))
	copy(tmp, data)
	remaining:=tmp
	for {
		median:=qsort.QSelectMedianFloat64(remaining) // reorders, doesnt matter

		stdDev:=float64(0)
		for _,r:=range remaining {
			diff  :=r-median
			stdDev+=diff*diff
		}
		stdDev=math.Sqrt(stdDev/float64(len(remaining)))

		lowBound :=median - sigma*stdDev
		highBound:=median + sigma*stdDev
		kept:=0
		for i:=0; i<len(remaining); i++ {
			r:=remaining[i]
			if r>=lowBound && r<=highBound {
				remaining[kept]=r
				kept++
			}
		}
		rejected:=len(remaining)-kept
		remaining=remaining[:kept]

		if rejected==0 || len(remaining)<=3 {
			mean:=float64(0)
			for _,r:=range remaining { mean+=r }
			return mean/float64(len(remaining))
		}
	}
}

// Calculates fast approximate median of the (presumably large) data by subsampling
// the given number of values and taking the median of that.
// Uses provided samples array as scratchpad
func FastApproxMedian(data []float64, samples []float64) float64 {
	max:=uint32(len(data))
	rng:=fastrand.RNG{}
	for i,_:=range samples {
		index:=rng.Uint32n(max)
		samples[i]=data[index]
	}
	median:=qsort.QSelectMedianFloat64(samples)
	return median
}

// Calculates fast approximate median of absolute differences of the (presumably large)
// data by subsampling the given number of values and taking the MAD of that.
// Uses provided samples array as scratchpad
func FastApproxMAD(data []float64, location float64, samples []float64) float64 {
	max:=uint32(len(data))
	rng:=fastrand.RNG{}
	for i,_:=range samples {
		index:=rng.Uint32n(max)
		samples[i]=math.Abs(data[index]-location)
	}
	mad:=qsort.QSelectMedianFloat64(samples)*1.4826  // normalize to Gaussian std dev.
	return mad
}
