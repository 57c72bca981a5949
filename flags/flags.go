// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package flags

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/xyproto/env/v2"
)

const (
	// Commands as reported by the kong context.
	CommandBuild   = "build <manifest>"
	CommandInspect = "inspect <file>"

	defaultOutput = "a.out"
)

// Parse parses args, os.Args[1:] when nil, and returns the selected command.
func Parse(args []string, options ...kong.Option) (Flags, string, error) {
	flags := Flags{}
	// env caches the environment on first use.
	env.Load()
	options = append([]kong.Option{
		kong.Name("elfgen"),
		kong.Description("Generate ELF images from manifests."),
		kong.Vars{
			"default_log_level": env.Str("ELFGEN_LOG_LEVEL", "info"),
			"default_workers":   strconv.Itoa(runtime.GOMAXPROCS(0)),
			"default_output":    defaultOutput,
		},
	}, options...)

	parser, err := kong.New(&flags, options...)
	if err != nil {
		return Flags{}, "", fmt.Errorf("failed to create flag parser: %w", err)
	}
	if args == nil {
		args = os.Args[1:]
	}
	kongCtx, err := parser.Parse(args)
	if err != nil {
		return Flags{}, "", err
	}
	return flags, kongCtx.Command(), nil
}

type Flags struct {
	Log         FlagsLogs `embed:""         prefix:"log-"`
	HTTPAddress string    `help:"Address to bind the HTTP server serving metrics to. Disabled when empty."`
	OTLP        FlagsOTLP `embed:""         prefix:"otlp-"`

	Build   FlagsBuild   `cmd:"" help:"Generate an ELF image from a manifest."`
	Inspect FlagsInspect `cmd:"" help:"Summarize an ELF file."`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	if f.Build.Workers < 1 {
		return ParseError(logger, "Invalid number of workers %d: at least one is required", f.Build.Workers)
	}

	if f.OTLP.SamplingRatio <= 0 || f.OTLP.SamplingRatio > 1 {
		return ParseError(logger, "Invalid OTLP sampling ratio %g: must be in (0, 1]", f.OTLP.SamplingRatio)
	}

	if (f.OTLP.Exporter == "grpc" || f.OTLP.Exporter == "http") && f.OTLP.Address == "" {
		return ParseError(logger, "The %s OTLP exporter requires --otlp-address", f.OTLP.Exporter)
	}

	if f.Build.Watch && f.Build.Output == f.Build.Manifest {
		return ParseError(logger, "The output %s would overwrite the watched manifest", f.Build.Output)
	}

	return ExitSuccess
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"${default_log_level}" enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt"               enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsOTLP provides OTLP configuration flags.
type FlagsOTLP struct {
	Address       string  `help:"The endpoint to send OTLP traces to."`
	Exporter      string  `default:"noop" enum:"grpc,http,stdout,noop" help:"The OTLP exporter to use."`
	Insecure      bool    `help:"Send traces via plaintext instead of TLS."`
	SamplingRatio float64 `default:"1"    help:"Fraction of builds traced."`
}

// FlagsBuild provides flags of the build command.
type FlagsBuild struct {
	Manifest string `arg:"" help:"Path to the image manifest." type:"path"`
	Output   string `default:"${default_output}" help:"Path of the generated image." short:"o" type:"path"`
	Workers  int    `default:"${default_workers}" help:"Number of sections rendered concurrently."`
	Strict   bool   `help:"Fail on references no module defines instead of leaving them to the dynamic loader."`
	Watch    bool   `help:"Regenerate the image whenever the manifest changes."`
}

// FlagsInspect provides flags of the inspect command.
type FlagsInspect struct {
	File               string `arg:"" help:"Path to the ELF file." type:"path"`
	CompilerConstraint string `help:"Fail unless the compiler version satisfies this constraint, e.g. '>= 12'."`
}
