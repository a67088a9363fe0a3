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

package intervals

import (
	"bufio"
	"log"
	"math"
	"sort"
	"strings"

	"github.com/exascience/elsplit/internal"
	"github.com/exascience/pargo/parallel"
	"github.com/exascience/pargo/pipeline"
	psort "github.com/exascience/pargo/sort"
)

// Interval is a generic struct with a start and an end position.
// Positions are 0-based; Start is inclusive and End is exclusive.
type Interval struct {
	Start, End int32
}

// SortByStart sorts a slice of Interval by Start position.
func SortByStart(intervals []Interval) {
	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].Start < intervals[j].Start
	})
}

type stableIntervalSorter []Interval

func (s stableIntervalSorter) SequentialSort(i, j int) {
	SortByStart(s[i:j])
}

func (s stableIntervalSorter) NewTemp() psort.StableSorter {
	return stableIntervalSorter(make([]Interval, len(s)))
}

func (s stableIntervalSorter) Len() int {
	return len(s)
}

func (s stableIntervalSorter) Less(i, j int) bool {
	return s[i].Start < s[j].Start
}

func (s stableIntervalSorter) Assign(source psort.StableSorter) func(i, j, len int) {
	dst, src := s, source.(stableIntervalSorter)
	return func(i, j, len int) {
		copy(dst[i:i+len], src[j:j+len])
	}
}

// ParallelSortByStart sorts a slice of Interval by Start position using
// a parallel stable sort.
func ParallelSortByStart(intervals []Interval) {
	psort.StableSort(stableIntervalSorter(intervals))
}

// Extend makes interval1 larger if it overlaps with interval2,
// by storing max(interval1.End, interval2.End) in interval1.End;
// otherwise, interval1 remains unchanged.
// Returns true if the two intervals overlap, false otherwise.
// interval2.Start >= interval1.Start must be true before
// calling Extend.
func (interval1 *Interval) Extend(interval2 Interval) bool {
	if interval2.Start > interval1.End {
		return false
	}
	if interval2.End > interval1.End {
		interval1.End = interval2.End
	}
	return true
}

// Flatten merges overlapping intervals into larger intervals.
// intervals must be sorted by Start before calling Flatten.
// The resulting slice is sorted by Start, and no two
// intervals in the result overlap with each other.
// The result shares memory with the intervals argument.
func Flatten(intervals []Interval) []Interval {
	for i, n := 0, len(intervals)-1; i < n; i++ {
		if intervals[i].Extend(intervals[i+1]) {
			n++
			for j := i + 1; j < n; j++ {
				if !intervals[i].Extend(intervals[j]) {
					i++
					intervals[i] = intervals[j]
				}
			}
			return intervals[:i+1]
		}
	}
	return intervals
}

const parallelFlattenGrainSize = 0x1000

// ParallelFlatten merges overlapping intervals into larger intervals,
// using a parallel algorithm.
// intervals must be sorted by Start before calling Flatten.
// The resulting slice is sorted by Start, and no two
// intervals in the result overlap with each other.
// The result shares memory with the intervals argument.
func ParallelFlatten(intervals []Interval) []Interval {
	if len(intervals) < parallelFlattenGrainSize {
		return Flatten(intervals)
	}
	half := len(intervals) >> 1
	left, right := intervals[:half], intervals[half:]
	parallel.Do(
		func() { left = ParallelFlatten(left) },
		func() { right = ParallelFlatten(right) },
	)
	for left[len(left)-1].Extend(right[0]) {
		right = right[1:]
	}
	return append(left, right...)
}

// Overlap determines whether the given start/end range overlaps
// with any of the given intervals.
// intervals must be Flattened and sorted by Start.
func Overlap(intervals []Interval, start, end int32) bool {
	for left, right := 0, len(intervals)-1; left <= right; {
		mid := (left + right) / 2
		if intervals[mid].Start >= end {
			right = mid - 1
		} else if intervals[mid].End <= start {
			left = mid + 1
		} else {
			return true
		}
	}
	return false
}

// Intersect returns a slice of all intervals that overlap with the
// given start/end range.
// intervals must be Flattened and sorted by Start.
// The result shares memory with the intervals argument.
func Intersect(intervals []Interval, start, end int32) []Interval {
	n := len(intervals)
	return intervals[sort.Search(n, func(i int) bool {
		return intervals[i].End > start
	}):sort.Search(n, func(i int) bool {
		return intervals[i].Start >= end
	})]
}

// parseRange parses a "beg[-end]" range with 1-based inclusive
// positions, as written in target expressions, into a 0-based
// half-open interval. Positions may use thousands separators.
func parseRange(s string) Interval {
	stripped := strings.ReplaceAll(s, ",", "")
	if beg, end, found := cut(stripped, '-'); found {
		return Interval{
			Start: int32(internal.ParseInt(beg, 10, 32)) - 1,
			End:   int32(internal.ParseInt(end, 10, 32)),
		}
	}
	pos := int32(internal.ParseInt(stripped, 10, 32))
	return Interval{Start: pos - 1, End: pos}
}

func cut(s string, b byte) (before, after string, found bool) {
	if i := strings.IndexByte(s, b); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// ParseTargets parses a comma-separated list of "contig[:beg[-end]]"
// target expressions into a map from contig names to intervals. A
// target without a range covers the whole contig.
func ParseTargets(spec string) map[string][]Interval {
	targets := make(map[string][]Interval)
	for _, target := range strings.Split(spec, ",") {
		if target == "" {
			log.Panicf("empty target in target list %v", spec)
		}
		if chrom, rng, found := cut(target, ':'); found {
			targets[chrom] = append(targets[chrom], parseRange(rng))
		} else {
			targets[target] = append(targets[target], Interval{Start: 0, End: math.MaxInt32})
		}
	}
	return targets
}

// FromTargetsFile loads targets from a tab-separated file with
// CHROM, POS or CHROM, BEG, END columns and 1-based inclusive
// positions. Lines starting with "#" are skipped.
func FromTargetsFile(filename string) map[string][]Interval {
	file := internal.FileOpen(internal.FullPathname(filename))
	defer internal.Close(file)
	targets := make(map[string][]Interval)
	var p pipeline.Pipeline
	p.Source(pipeline.NewScanner(bufio.NewReader(file)))
	p.Add(
		pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
			lines := data.([]string)
			targets := make(map[string][]Interval)
			for _, line := range lines {
				if line == "" || line[0] == '#' {
					continue
				}
				columns := strings.Split(line, "\t")
				var interval Interval
				switch len(columns) {
				case 2:
					pos := int32(internal.ParseInt(columns[1], 10, 32))
					interval = Interval{Start: pos - 1, End: pos}
				case 3:
					interval = Interval{
						Start: int32(internal.ParseInt(columns[1], 10, 32)) - 1,
						End:   int32(internal.ParseInt(columns[2], 10, 32)),
					}
				default:
					log.Panicf("invalid targets line %v in %v", line, filename)
				}
				targets[columns[0]] = append(targets[columns[0]], interval)
			}
			return targets
		})),
		pipeline.Ord(pipeline.Receive(func(_ int, data interface{}) interface{} {
			for chrom, ivals := range data.(map[string][]Interval) {
				targets[chrom] = append(targets[chrom], ivals...)
			}
			return data
		})),
	)
	p.Run()
	if err := p.Err(); err != nil {
		log.Panic(err)
	}
	return targets
}

// Normalize sorts and flattens the intervals of every contig, so
// that Overlap can be used on them.
func Normalize(targets map[string][]Interval) {
	for chrom, ivals := range targets {
		ParallelSortByStart(ivals)
		targets[chrom] = ParallelFlatten(ivals)
	}
}
