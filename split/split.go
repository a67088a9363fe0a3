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

// Package split implements splitting a multi-sample BCF stream into
// single- or multi-sample VCF/BCF files, one per sample set.
package split

import (
	"log"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/exascience/elsplit/bcf"
	"github.com/exascience/elsplit/filter"
	"github.com/exascience/elsplit/internal"
	"github.com/exascience/elsplit/intervals"
)

// Options for a split run.
type Options struct {
	Input       string // the input BCF file; /dev/stdin for standard input
	OutputDir   string // the directory the output files are written to
	OutputType  bcf.OutputType
	KeepTags    string // comma-separated tag list; "" keeps everything
	SamplesFile string // sample set manifest; "" splits per sample
	FilterExpr  string // site filter expression; "" writes all sites
	FilterLogic filter.Logic
	Targets     map[string][]intervals.Interval // nil streams all sites
}

// An output is one open destination of a split: a sample set, its
// projected header, and the file records are written to. The site
// filter is compiled against the projected header of the set, so
// that filtering happens on what is written, not on what was read.
type output struct {
	set    *SampleSet
	hdr    *bcf.Header
	file   *bcf.OutputFile
	filter *filter.Filter
}

// outputFilename derives the name of an output file from the base
// name of its sample set, with whitespace replaced by underscores and
// the extension of the output type appended.
func outputFilename(dir, base string, typ bcf.OutputType) string {
	base = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, base)
	return filepath.Join(dir, base+typ.Ext())
}

// openOutputs creates the output files of a split and writes their
// headers.
func openOutputs(opts *Options, hdr *bcf.Header, sets []*SampleSet, tags *TagAllowList) []*output {
	internal.MkdirAll(internal.FullPathname(opts.OutputDir), 0755)
	projected := ProjectHeader(hdr, tags)
	outputs := make([]*output, len(sets))
	for i, set := range sets {
		out := &output{
			set:  set,
			hdr:  projected.CloneWithSamples(set.Names),
			file: bcf.Create(outputFilename(opts.OutputDir, set.Base, opts.OutputType), opts.OutputType),
		}
		out.file.FormatHeader(out.hdr)
		if opts.FilterExpr != "" {
			out.filter = filter.New(opts.FilterExpr, out.hdr)
		}
		outputs[i] = out
	}
	return outputs
}

// ridTargets translates the per-contig target intervals to the
// contig indices of the input header, normalized for Overlap.
// Targets on contigs the header does not define are dropped with a
// warning.
func ridTargets(targets map[string][]intervals.Interval, hdr *bcf.Header) map[int32][]intervals.Interval {
	intervals.Normalize(targets)
	byRid := make(map[int32][]intervals.Interval)
	for _, contig := range hdr.Contigs {
		if ivals, ok := targets[*contig.ID]; ok {
			byRid[contig.Idx] = ivals
			delete(targets, *contig.ID)
		}
	}
	for chrom := range targets {
		log.Printf("Warning: the target contig %v is not defined in the header, ignoring it.", chrom)
	}
	return byRid
}

// Run executes a split: it streams the input records once, projects
// each record once per sample set, and writes the projections to the
// per-set output files.
func Run(opts Options) {
	input := bcf.Open(opts.Input)
	defer input.Close()
	hdr := input.ParseHeader()
	if hdr.NSamples() == 0 {
		log.Panicf("no samples to split in %v", opts.Input)
	}
	sets := ResolveSets(hdr, opts.SamplesFile)
	tags := ParseKeepTags(opts.KeepTags, hdr)
	outputs := openOutputs(&opts, hdr, sets, tags)
	defer func() {
		for _, out := range outputs {
			out.file.Close()
		}
	}()

	var byRid map[int32][]intervals.Interval
	if opts.Targets != nil {
		byRid = ridTargets(opts.Targets, hdr)
	}

	projector := NewProjector(tags, opts.FilterExpr != "" || !opts.OutputType.Binary())
	defer projector.Close()
	var rec bcf.Record
	for input.ReadRecord(&rec) {
		if byRid != nil {
			end := rec.Pos + rec.Rlen
			if end <= rec.Pos {
				end = rec.Pos + 1
			}
			if !intervals.Overlap(byRid[rec.Rid], rec.Pos, end) {
				continue
			}
		}
		projector.ProjectShared(&rec)
		for _, out := range outputs {
			projected := projector.ForSet(out.set, &rec)
			if out.filter != nil {
				pass := out.filter.Test(projected)
				if opts.FilterLogic == filter.Exclude {
					pass = !pass
				}
				if !pass {
					continue
				}
			}
			out.file.WriteRecord(projected)
		}
	}
}
