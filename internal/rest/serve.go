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


package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/galsub/cubefit/internal/pipeline"
)

func Serve() {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET ("/ping", getPing)
			v1.POST("/fit",  postFit)
		}
	}
	r.Run() // listen and serve on 0.0.0.0:8080
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m,err:=json.MarshalIndent(args, "", "  ")
	if err!=nil { return err }
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postFitArgs struct {
	Config *pipeline.Config `json:"config"`
	OutDir  string          `json:"outDir"`
	Prefix  string          `json:"prefix"`
}

// Runs a full galaxy subtraction job, streaming the pipeline log as the
// response body so long fits show progress
func postFit(c *gin.Context) {
	logWriter := c.Writer
	var args postFitArgs
	if err:=c.ShouldBind(&args); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}
	if args.Config==nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing config"} )
		return
	}
	if err:=args.Config.Validate(); err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error() } )
		return
	}

	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err:=printArgs(logWriter, "Arguments:\n", "\n", args); err!=nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	ctx:=pipeline.NewContext(logWriter)
	res, err:=pipeline.Run(args.Config, ctx)
	if err!=nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		logWriter.(http.Flusher).Flush()
		return
	}

	if args.OutDir!="" {
		prefix:=args.Prefix
		if prefix=="" { prefix="job" }
		if err:=pipeline.WriteOutputs(res, args.OutDir, prefix, ctx); err!=nil {
			fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		}
	}
	for _, r:=range res.Registration {
		fmt.Fprintf(logWriter, "Registration result: %+v\n", r)
	}
	logWriter.(http.Flusher).Flush()
}
