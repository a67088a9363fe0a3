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
	"log"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/exascience/elsplit/bcf"
)

// A TagAllowList tells which INFO and FORMAT fields the outputs
// keep. The bit sets are indexed by the dictionary indices of the
// input header; when KeepInfo or KeepFormat is set, the corresponding
// bit set is ignored and every field of that class is kept.
type TagAllowList struct {
	KeepInfo   bool
	KeepFormat bool
	Info       *bitset.BitSet
	Format     *bitset.BitSet
}

// AllowInfo tells whether the INFO field with the given dictionary
// index is kept.
func (tags *TagAllowList) AllowInfo(idx int32) bool {
	return tags.KeepInfo || tags.Info.Test(uint(idx))
}

// AllowFormat tells whether the FORMAT field with the given
// dictionary index is kept.
func (tags *TagAllowList) AllowFormat(idx int32) bool {
	return tags.KeepFormat || tags.Format.Test(uint(idx))
}

// RestrictsInfo tells whether any INFO field of the input header is
// dropped.
func (tags *TagAllowList) RestrictsInfo() bool {
	return !tags.KeepInfo
}

// RestrictsFormat tells whether any FORMAT field of the input header
// is dropped.
func (tags *TagAllowList) RestrictsFormat() bool {
	return !tags.KeepFormat
}

func foldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

const (
	noMode = iota
	infoMode
	formatMode
)

// ParseKeepTags parses a comma-separated tag list into a
// TagAllowList against the given header. "INFO" and "FMT"/"FORMAT"
// keep a whole class; "INFO/" and "FMT/"/"FORMAT/" prefixes select
// individual fields, and stay in effect for the names that follow
// until the other prefix appears. Names of fields the header does not
// define are ignored with a warning.
//
// An empty list keeps everything. When the list restricts INFO but
// names no FORMAT fields, all FORMAT fields are kept, and vice versa.
func ParseKeepTags(spec string, hdr *bcf.Header) *TagAllowList {
	tags := &TagAllowList{
		Info:   bitset.New(64),
		Format: bitset.New(64),
	}
	mode := noMode
	rest := spec
loop:
	for rest != "" {
		switch {
		case foldPrefix(rest, "INFO/"):
			mode = infoMode
			rest = rest[5:]
		case strings.EqualFold(rest, "INFO"):
			tags.KeepInfo = true
			break loop
		case foldPrefix(rest, "INFO,"):
			tags.KeepInfo = true
			rest = rest[5:]
			continue
		case foldPrefix(rest, "FMT/"):
			mode = formatMode
			rest = rest[4:]
		case foldPrefix(rest, "FORMAT/"):
			mode = formatMode
			rest = rest[7:]
		case strings.EqualFold(rest, "FMT"), strings.EqualFold(rest, "FORMAT"):
			tags.KeepFormat = true
			break loop
		case foldPrefix(rest, "FMT,"):
			tags.KeepFormat = true
			rest = rest[4:]
			continue
		case foldPrefix(rest, "FORMAT,"):
			tags.KeepFormat = true
			rest = rest[7:]
			continue
		}
		var name string
		if comma := strings.IndexByte(rest, ','); comma >= 0 {
			name, rest = rest[:comma], rest[comma+1:]
		} else {
			name, rest = rest, ""
		}
		switch mode {
		case infoMode:
			if idx, ok := hdr.InfoIdx(name); ok {
				tags.Info.Set(uint(idx))
			} else {
				log.Printf("Warning: the INFO field %v is not defined in the header, ignoring it.", name)
			}
		case formatMode:
			if idx, ok := hdr.FormatIdx(name); ok {
				tags.Format.Set(uint(idx))
			} else {
				log.Printf("Warning: the FORMAT field %v is not defined in the header, ignoring it.", name)
			}
		default:
			log.Printf("Warning: the tag %v is neither INFO/ nor FMT/, ignoring it.", name)
		}
	}
	if !tags.KeepInfo && !tags.KeepFormat && tags.Info.None() && tags.Format.None() {
		tags.KeepInfo = true
		tags.KeepFormat = true
	}
	if !tags.KeepFormat && tags.Format.None() {
		tags.KeepFormat = true
	}
	return tags
}
