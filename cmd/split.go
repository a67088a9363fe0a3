// elSplit: a high-performance tool for splitting VCF/BCF files by sample.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elsplit/blob/master/LICENSE.txt>.

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/exascience/elsplit/bcf"
	"github.com/exascience/elsplit/filter"
	"github.com/exascience/elsplit/intervals"
	"github.com/exascience/elsplit/split"
)

// SplitHelp is the help string for the elsplit split command.
const SplitHelp = "split parameters:\n" +
	"elsplit split [bcf-file | -]\n" +
	"--output dir\n" +
	"[--output-type [b | u | z | v]]\n" +
	"[--keep-tags list]\n" +
	"[--samples-file file]\n" +
	"[--include expr]\n" +
	"[--exclude expr]\n" +
	"[--targets list]\n" +
	"[--targets-file file]\n" +
	"[--nr-of-threads nr]\n" +
	"[--log-path path]\n"

// Split implements the elsplit split command.
func Split() error {
	var (
		output, outputType, keepTags, samplesFile string
		include, exclude, targets, targetsFile    string
		nrOfThreads                               int
		logPath                                   string
	)

	var flags flag.FlagSet

	flags.StringVar(&output, "output", "", "directory for the output files")
	flags.StringVar(&outputType, "output-type", "v", "encoding of the output files")
	flags.StringVar(&keepTags, "keep-tags", "", "list of INFO/FORMAT tags to keep")
	flags.StringVar(&samplesFile, "samples-file", "", "file with the sample sets to create")
	flags.StringVar(&include, "include", "", "only write sites for which the expression is true")
	flags.StringVar(&exclude, "exclude", "", "only write sites for which the expression is false")
	flags.StringVar(&targets, "targets", "", "restrict to a comma-separated list of targets")
	flags.StringVar(&targetsFile, "targets-file", "", "restrict to the targets listed in a file")
	flags.IntVar(&nrOfThreads, "nr-of-threads", 0, "number of worker threads")
	flags.StringVar(&logPath, "log-path", "", "write log files to the specified directory")

	input, flagsStart := getInputFilename(2, SplitHelp)

	parseFlags(flags, flagsStart, SplitHelp)

	setLogOutput(logPath)

	// sanity checks

	var sanityChecksFailed bool

	if output == "" {
		log.Println("Error: Missing --output directory.")
		sanityChecksFailed = true
	}

	typ, ok := bcf.ParseOutputType(outputType)
	if !ok {
		log.Printf("Error: Invalid output type %v.\n", outputType)
		sanityChecksFailed = true
	}

	if include != "" && exclude != "" {
		log.Println("Error: Only one of --include or --exclude can be given.")
		sanityChecksFailed = true
	}

	if targets != "" && targetsFile != "" {
		log.Println("Error: Only one of --targets or --targets-file can be given.")
		sanityChecksFailed = true
	}

	if nrOfThreads < 0 {
		log.Println("Error: Invalid nr-of-threads: ", nrOfThreads)
		sanityChecksFailed = true
	}

	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, SplitHelp)
		os.Exit(1)
	}

	// building output command line

	var command bytes.Buffer
	fmt.Fprint(&command, os.Args[0], " split ", input)
	fmt.Fprint(&command, " --output ", output)
	fmt.Fprint(&command, " --output-type ", outputType)
	if keepTags != "" {
		fmt.Fprint(&command, " --keep-tags ", keepTags)
	}
	if samplesFile != "" {
		fmt.Fprint(&command, " --samples-file ", samplesFile)
	}
	if include != "" {
		fmt.Fprint(&command, " --include ", include)
	}
	if exclude != "" {
		fmt.Fprint(&command, " --exclude ", exclude)
	}
	if targets != "" {
		fmt.Fprint(&command, " --targets ", targets)
	}
	if targetsFile != "" {
		fmt.Fprint(&command, " --targets-file ", targetsFile)
	}
	if nrOfThreads > 0 {
		runtime.GOMAXPROCS(nrOfThreads)
		fmt.Fprint(&command, " --nr-of-threads ", nrOfThreads)
	}
	if logPath != "" {
		fmt.Fprint(&command, " --log-path ", logPath)
	}

	// executing command

	log.Println("Executing command:\n", command.String())

	opts := split.Options{
		Input:       input,
		OutputDir:   output,
		OutputType:  typ,
		KeepTags:    keepTags,
		SamplesFile: samplesFile,
	}
	switch {
	case include != "":
		opts.FilterExpr = include
		opts.FilterLogic = filter.Include
	case exclude != "":
		opts.FilterExpr = exclude
		opts.FilterLogic = filter.Exclude
	}
	switch {
	case targets != "":
		opts.Targets = intervals.ParseTargets(targets)
	case targetsFile != "":
		opts.Targets = intervals.FromTargetsFile(targetsFile)
	}

	split.Run(opts)

	return nil
}
