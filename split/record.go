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
	"github.com/exascience/elsplit/bcf"
	"github.com/exascience/elsplit/internal"
)

// A Projector rewrites input records for the sample sets of a split.
// The shared block only depends on the tag allow-list, so it is
// projected once per input record with ProjectShared; the individual
// block depends on the samples of each set, so ForSet rebuilds it per
// set. The projected record and its buffers are owned by the
// Projector and reused across calls.
type Projector struct {
	tags   *TagAllowList
	unpack bool
	shared []byte
	indiv  []byte
	out    bcf.Record
}

// NewProjector creates a Projector for the given tag allow-list.
// When unpack is set, ForSet also unpacks the projected record, which
// the site filters and the text encodings need; the binary encodings
// do not.
func NewProjector(tags *TagAllowList, unpack bool) *Projector {
	return &Projector{
		tags:   tags,
		unpack: unpack,
		shared: internal.ReserveByteBuffer(),
		indiv:  internal.ReserveByteBuffer(),
	}
}

// Close returns the scratch buffers of the Projector to the internal
// buffer pool. The Projector cannot be used afterwards.
func (p *Projector) Close() {
	internal.ReleaseByteBuffer(p.shared)
	internal.ReleaseByteBuffer(p.indiv)
	p.shared = nil
	p.indiv = nil
}

// ProjectShared projects the shared block of an input record. When
// the allow-list keeps all INFO fields, the projected record aliases
// the shared block of rec; otherwise the ID, REF+ALT, and FILTER
// sub-blocks are copied and followed by the allowed INFO pairs, in
// their original order. rec must be unpacked.
func (p *Projector) ProjectShared(rec *bcf.Record) {
	out := &p.out
	out.Rid = rec.Rid
	out.Pos = rec.Pos
	out.Rlen = rec.Rlen
	out.Qual = rec.Qual
	out.NAllele = rec.NAllele
	if p.tags.KeepInfo {
		out.NInfo = rec.NInfo
		out.Shared = rec.Shared
		return
	}
	shared := append(p.shared[:0], rec.SharedPrefix()...)
	nInfo := int32(0)
	for i := range rec.Info {
		info := &rec.Info[i]
		if !p.tags.AllowInfo(info.Key) {
			continue
		}
		shared = append(shared, info.Raw...)
		nInfo++
	}
	p.shared = shared
	out.Shared = shared
	out.NInfo = nInfo
}

// ForSet projects the individual block of an input record for one
// sample set, and returns the complete projected record. For every
// allowed FORMAT field, the field key and descriptor are re-encoded,
// followed by the value bytes of the samples of the set, in set
// order. ProjectShared must have been called for rec first.
func (p *Projector) ForSet(set *SampleSet, rec *bcf.Record) *bcf.Record {
	out := &p.out
	out.NSample = int32(len(set.Samples))
	indiv := p.indiv[:0]
	nFmt := int32(0)
	for i := range rec.Fmt {
		fmt := &rec.Fmt[i]
		if !p.tags.AllowFormat(fmt.Key) {
			continue
		}
		indiv = bcf.AppendTypedInt(indiv, fmt.Key)
		indiv = bcf.AppendDescriptor(indiv, fmt.N, fmt.Type)
		for _, sample := range set.Samples {
			indiv = append(indiv, fmt.SampleSlice(sample)...)
		}
		nFmt++
	}
	p.indiv = indiv
	out.Indiv = indiv
	out.NFmt = nFmt
	if p.unpack {
		out.Unpack()
	}
	return out
}
