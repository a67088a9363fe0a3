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

package split

import (
	"bufio"
	"log"
	"strings"
	"unicode"

	"github.com/exascience/elsplit/bcf"
	"github.com/exascience/elsplit/internal"
)

// A SampleSet describes one output of a split: which input samples
// it carries, in which order, and under which names.
type SampleSet struct {
	Samples []int    // indices into the samples of the input header
	Names   []string // output sample names
	Base    string   // base name of the output file
}

// scanSampleColumn reads the first column of a manifest line: sample
// names separated by commas, up to the first unescaped whitespace.
// A backslash escapes the next character. It returns the names and
// the remainder of the line.
func scanSampleColumn(line string) (names []string, rest string) {
	var name strings.Builder
	escaped := false
	for i := 0; i < len(line); i++ {
		b := line[i]
		switch {
		case escaped:
			name.WriteByte(b)
			escaped = false
		case b == '\\':
			escaped = true
		case unicode.IsSpace(rune(b)):
			return append(names, name.String()), line[i:]
		case b == ',':
			names = append(names, name.String())
			name.Reset()
		default:
			name.WriteByte(b)
		}
	}
	return append(names, name.String()), ""
}

// parseManifestLine turns one manifest line into a SampleSet against
// the given header. Samples the header does not know are skipped with
// a warning; a line without any known sample yields nil.
func parseManifestLine(line, filename string, hdr *bcf.Header) *SampleSet {
	names, rest := scanSampleColumn(line)
	var rename []string
	if rest = strings.TrimSpace(rest); rest != "" {
		rename = strings.Split(rest, ",")
		if len(rename) != len(names) {
			log.Panicf("expected the same number of samples in the first and second column: %v in %v", line, filename)
		}
	}
	set := new(SampleSet)
	for i, name := range names {
		index, ok := hdr.SampleIndex(name)
		if !ok {
			log.Printf("Warning: the sample %v is not present in the input, ignoring it.", name)
			continue
		}
		set.Samples = append(set.Samples, index)
		if rename != nil {
			set.Names = append(set.Names, rename[i])
		} else {
			set.Names = append(set.Names, name)
		}
	}
	if len(set.Samples) == 0 {
		return nil
	}
	set.Base = set.Names[0]
	return set
}

// ResolveSets determines the sample sets of a split. Without a
// manifest file, every sample of the input header becomes its own
// single-sample set. With a manifest file, every line becomes one
// set: a comma-separated list of sample names, optionally followed by
// whitespace and a second comma-separated column of new names for
// those samples. The base name of each output is the (new) name of
// the first sample of its set.
func ResolveSets(hdr *bcf.Header, manifest string) []*SampleSet {
	if manifest == "" {
		sets := make([]*SampleSet, hdr.NSamples())
		for i, sample := range hdr.Samples {
			sets[i] = &SampleSet{
				Samples: []int{i},
				Names:   []string{sample},
				Base:    sample,
			}
		}
		return sets
	}
	file := internal.FileOpen(internal.FullPathname(manifest))
	defer internal.Close(file)
	var sets []*SampleSet
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if set := parseManifestLine(line, manifest, hdr); set != nil {
			sets = append(sets, set)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Panic(err)
	}
	if len(sets) == 0 {
		log.Panicf("no usable sample sets in %v", manifest)
	}
	return sets
}
