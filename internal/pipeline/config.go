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
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// A required input is missing or invalid. Fatal, surfaced before any fitting
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// Job configuration, decoded from the JSON produced by the survey pipeline.
// Config files use the survey's historical key names and 1-based epoch
// indices; all index conversion happens here, the rest of the code only ever
// sees zero-based epochs
type Config struct {
	InCubes      []string `json:"IN_CUBE"`           // one FITS cube per epoch
	SpaxelSize   float64  `json:"PARAM_SPAXEL_SIZE"` // arcsec per spaxel
	LambdaRef    float64  `json:"PARAM_LAMBDA_REF"`  // reference wavelength, default 5000
	FinalRef     int      `json:"PARAM_FINAL_REF"`   // 1-based master final ref epoch
	IsFinalRef   []int    `json:"PARAM_IS_FINAL_REF"`
	FlagApodizer int      `json:"FLAG_APODIZER"`
	PSFType      string   `json:"PARAM_PSF_TYPE"`

	// per-epoch, per-wavelength PSF shape and refraction offsets, precomputed
	// upstream from the atmospheric model
	PSFEllipticity [][]float64 `json:"PARAM_PSF_ELLIPTICITY"`
	PSFAlpha       [][]float64 `json:"PARAM_PSF_ALPHA"`
	AdrDx          [][]float64 `json:"PARAM_ADR_DX"` // spaxel units
	AdrDy          [][]float64 `json:"PARAM_ADR_DY"`

	TargetXP []float64 `json:"PARAM_TARGET_XP"` // initial positions, default zero
	TargetYP []float64 `json:"PARAM_TARGET_YP"`

	MuXY   float64 `json:"MU_GALAXY_XY_PRIOR"`
	MuWave float64 `json:"MU_GALAXY_LAMBDA_PRIOR"`

	RefitSkyInRegistration bool `json:"REFIT_SKY_IN_REGISTRATION"`
}

func LoadConfig(r io.Reader) (*Config, error) {
	conf:=&Config{LambdaRef: 5000}
	if err:=json.NewDecoder(r).Decode(conf); err!=nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if err:=conf.Validate(); err!=nil {
		return nil, err
	}
	return conf, nil
}

func LoadConfigFile(fileName string) (*Config, error) {
	f, err:=os.Open(fileName)
	if err!=nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}

func (c *Config) Validate() error {
	if c.FlagApodizer>=2 {
		return &ConfigurationError{"FLAG_APODIZER", fmt.Sprintf("value %d not implemented, expect 0 or 1", c.FlagApodizer)}
	}
	nt:=len(c.InCubes)
	if nt==0 {
		return &ConfigurationError{"IN_CUBE", "no input cubes given"}
	}
	if c.SpaxelSize<=0 {
		return &ConfigurationError{"PARAM_SPAXEL_SIZE", fmt.Sprintf("must be positive, got %g", c.SpaxelSize)}
	}
	switch c.PSFType {
	case "GS-PSF":
	case "G-PSF":
		return &ConfigurationError{"PARAM_PSF_TYPE", "G-PSF not implemented"}
	default:
		return &ConfigurationError{"PARAM_PSF_TYPE", fmt.Sprintf("unrecognized type %q", c.PSFType)}
	}
	if len(c.IsFinalRef)!=nt {
		return &ConfigurationError{"PARAM_IS_FINAL_REF", fmt.Sprintf("%d flags for %d cubes", len(c.IsFinalRef), nt)}
	}
	if c.FinalRef<1 || c.FinalRef>nt {
		return &ConfigurationError{"PARAM_FINAL_REF", fmt.Sprintf("epoch %d out of range [1,%d]", c.FinalRef, nt)}
	}
	if c.IsFinalRef[c.FinalRef-1]==0 {
		return &ConfigurationError{"PARAM_FINAL_REF", fmt.Sprintf("epoch %d is not flagged as a final ref", c.FinalRef)}
	}
	for key, a:=range map[string][][]float64{
		"PARAM_PSF_ELLIPTICITY": c.PSFEllipticity,
		"PARAM_PSF_ALPHA":       c.PSFAlpha,
		"PARAM_ADR_DX":          c.AdrDx,
		"PARAM_ADR_DY":          c.AdrDy,
	} {
		if len(a)!=nt {
			return &ConfigurationError{key, fmt.Sprintf("%d epochs for %d cubes", len(a), nt)}
		}
	}
	if len(c.TargetXP)!=0 && len(c.TargetXP)!=nt {
		return &ConfigurationError{"PARAM_TARGET_XP", fmt.Sprintf("%d positions for %d cubes", len(c.TargetXP), nt)}
	}
	if len(c.TargetYP)!=0 && len(c.TargetYP)!=nt {
		return &ConfigurationError{"PARAM_TARGET_YP", fmt.Sprintf("%d positions for %d cubes", len(c.TargetYP), nt)}
	}
	if c.MuXY<0 || c.MuWave<0 {
		return &ConfigurationError{"MU_GALAXY_XY_PRIOR", "smoothness weights must be non-negative"}
	}
	return nil
}

// MasterFinalRef converts the config file's 1-based epoch to zero-based
func (c *Config) MasterFinalRef() int {
	return c.FinalRef-1
}

func (c *Config) FinalRefFlags() []bool {
	flags:=make([]bool, len(c.IsFinalRef))
	for i, v:=range c.IsFinalRef {
		flags[i]=v!=0
	}
	return flags
}

// InitialPositions returns the per-epoch starting window positions, zero when
// the config gives none
func (c *Config) InitialPositions() (xctr, yctr []float64) {
	nt:=len(c.InCubes)
	xctr=make([]float64, nt)
	yctr=make([]float64, nt)
	copy(xctr, c.TargetXP)
	copy(yctr, c.TargetYP)
	return xctr, yctr
}
