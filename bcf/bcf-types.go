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

package bcf

import (
	"log"
	"math"

	"github.com/exascience/elsplit/utils"
)

// The supported VCF file format version for freshly created headers.
const FileFormatVersion = "VCFv4.2"

// DefaultHeaderColumns for VCF files.
var DefaultHeaderColumns = []string{"CHROM", "POS", "ID", "REF", "ALT", "QUAL", "FILTER", "INFO"}

// Type is an enumeration type for the value types of INFO and FORMAT
// fields.
type Type uint

// The different VCF field types.
const (
	InvalidType Type = iota
	Integer
	Float
	Flag
	Character
	String
)

// Constants for header Number entries.
const (
	NumberA int32 = -1 * (1 + iota)
	NumberR
	NumberG
	NumberDot
	InvalidNumber
)

// Typed-value type codes in the binary record encoding.
// See https://samtools.github.io/hts-specs/VCFv4.2.pdf - Section 6.3.3.
const (
	TypeMissing byte = 0
	TypeInt8    byte = 1
	TypeInt16   byte = 2
	TypeInt32   byte = 3
	TypeFloat   byte = 5
	TypeChar    byte = 7
)

// Reserved scalar values in the binary record encoding.
const (
	int8Missing    int32 = -128
	int8VectorEnd  int32 = -127
	int16Missing   int32 = -32768
	int16VectorEnd int32 = -32767
	int32Missing   int32 = -2147483648
	int32VectorEnd int32 = -2147483647

	// FloatMissingBits is the bit pattern of a missing float value.
	FloatMissingBits uint32 = 0x7F800001
	// FloatVectorEndBits is the bit pattern of the float end-of-vector value.
	FloatVectorEndBits uint32 = 0x7F800002
)

// QualMissing is the bit pattern of a missing QUAL value.
var QualMissing = math.Float32frombits(FloatMissingBits)

// Commonly used field names.
var (
	PASS = utils.Intern("PASS")
	GT   = utils.Intern("GT")
)

type (
	// FieldInfo describes one FILTER, INFO, or FORMAT entry of a
	// header. Number and Type are only meaningful for INFO and
	// FORMAT entries.
	FieldInfo struct {
		ID          utils.Symbol
		Description string // "" if not present
		Number      int32  // > InvalidNumber
		Type        Type
		Idx         int32 // dictionary index; < 0 until Sync assigns one
		Fields      utils.StringMap
	}

	// Contig describes one contig entry of a header.
	Contig struct {
		ID     utils.Symbol
		Length int64 // 0 if not present
		Idx    int32 // dictionary index; < 0 until Sync assigns one
		Fields utils.StringMap
	}

	// Header section of a BCF stream.
	//
	// FILTER, INFO, and FORMAT entries share one string dictionary:
	// entries with the same name have the same dictionary index, and
	// the integer field identifiers in records refer to that
	// dictionary. Contigs have their own dictionary, referred to by
	// the rid of each record.
	Header struct {
		FileFormat string
		Contigs    []*Contig
		Filters    []*FieldInfo
		Infos      []*FieldInfo
		Formats    []*FieldInfo
		Meta       []string // other ## lines, verbatim
		Samples    []string

		dict      map[utils.Symbol]int32
		names     []string
		filterIdx map[int32]*FieldInfo
		infoIdx   map[int32]*FieldInfo
		formatIdx map[int32]*FieldInfo
		contigRid map[int32]*Contig
		samples   map[string]int
	}
)

// NewFieldInfo creates an empty instance with an unassigned
// dictionary index.
func NewFieldInfo() *FieldInfo {
	return &FieldInfo{Number: InvalidNumber, Idx: -1, Fields: make(utils.StringMap)}
}

// NewHeader creates an empty instance.
func NewHeader() *Header {
	return &Header{FileFormat: FileFormatVersion}
}

// Sync rebuilds the lookup tables of the header after its entry
// slices have been modified. Entries without a dictionary index are
// assigned one; entries that already have an index keep it, so that
// field identifiers in existing records stay valid. A PASS filter is
// added if none is present.
//
// Sync panics if the entries are structurally inconsistent, for
// example when two entries of the same class claim the same
// dictionary index.
func (hdr *Header) Sync() {
	hasPass := false
	for _, flt := range hdr.Filters {
		if flt.ID == PASS {
			hasPass = true
			break
		}
	}
	if !hasPass {
		pass := NewFieldInfo()
		pass.ID = PASS
		pass.Description = "All filters passed"
		hdr.Filters = append([]*FieldInfo{pass}, hdr.Filters...)
	}

	hdr.dict = make(map[utils.Symbol]int32)
	hdr.filterIdx = make(map[int32]*FieldInfo)
	hdr.infoIdx = make(map[int32]*FieldInfo)
	hdr.formatIdx = make(map[int32]*FieldInfo)

	classes := [3]struct {
		entries []*FieldInfo
		byIdx   map[int32]*FieldInfo
	}{
		{hdr.Filters, hdr.filterIdx},
		{hdr.Infos, hdr.infoIdx},
		{hdr.Formats, hdr.formatIdx},
	}

	used := make(map[int32]bool)
	for _, class := range classes {
		for _, entry := range class.entries {
			if entry.Idx < 0 {
				continue
			}
			if idx, ok := hdr.dict[entry.ID]; ok && idx != entry.Idx {
				log.Panicf("conflicting dictionary indices %v and %v for %v in the header", idx, entry.Idx, *entry.ID)
			}
			if _, ok := class.byIdx[entry.Idx]; ok {
				log.Panicf("duplicate dictionary index %v for %v in the header", entry.Idx, *entry.ID)
			}
			hdr.dict[entry.ID] = entry.Idx
			class.byIdx[entry.Idx] = entry
			used[entry.Idx] = true
		}
	}
	next := int32(0)
	for _, class := range classes {
		for _, entry := range class.entries {
			if entry.Idx >= 0 {
				continue
			}
			if idx, ok := hdr.dict[entry.ID]; ok {
				entry.Idx = idx
			} else {
				for used[next] {
					next++
				}
				entry.Idx = next
				used[next] = true
				hdr.dict[entry.ID] = entry.Idx
			}
			if _, ok := class.byIdx[entry.Idx]; ok {
				log.Panicf("duplicate dictionary index %v for %v in the header", entry.Idx, *entry.ID)
			}
			class.byIdx[entry.Idx] = entry
		}
	}

	size := int32(0)
	for idx := range used {
		if idx >= size {
			size = idx + 1
		}
	}
	hdr.names = make([]string, size)
	for name, idx := range hdr.dict {
		hdr.names[idx] = *name
	}

	hdr.contigRid = make(map[int32]*Contig)
	nextRid := int32(0)
	for _, contig := range hdr.Contigs {
		if contig.Idx >= 0 {
			if _, ok := hdr.contigRid[contig.Idx]; ok {
				log.Panicf("duplicate contig index %v for %v in the header", contig.Idx, *contig.ID)
			}
			hdr.contigRid[contig.Idx] = contig
		}
	}
	for _, contig := range hdr.Contigs {
		if contig.Idx < 0 {
			for hdr.contigRid[nextRid] != nil {
				nextRid++
			}
			contig.Idx = nextRid
			hdr.contigRid[nextRid] = contig
		}
	}

	hdr.samples = make(map[string]int)
	for index, sample := range hdr.Samples {
		hdr.samples[sample] = index
	}
}

// NSamples returns the number of samples described by the header.
func (hdr *Header) NSamples() int {
	return len(hdr.Samples)
}

// SampleIndex returns the index of the named sample, or false if the
// header does not know the sample.
func (hdr *Header) SampleIndex(name string) (int, bool) {
	index, ok := hdr.samples[name]
	return index, ok
}

// InfoIdx returns the dictionary index of the named INFO field, or
// false if the header has no such INFO field.
func (hdr *Header) InfoIdx(name string) (int32, bool) {
	for _, info := range hdr.Infos {
		if *info.ID == name {
			return info.Idx, true
		}
	}
	return -1, false
}

// FormatIdx returns the dictionary index of the named FORMAT field,
// or false if the header has no such FORMAT field.
func (hdr *Header) FormatIdx(name string) (int32, bool) {
	for _, format := range hdr.Formats {
		if *format.ID == name {
			return format.Idx, true
		}
	}
	return -1, false
}

// InfoByIdx returns the INFO entry with the given dictionary index,
// or nil.
func (hdr *Header) InfoByIdx(idx int32) *FieldInfo {
	return hdr.infoIdx[idx]
}

// FormatByIdx returns the FORMAT entry with the given dictionary
// index, or nil.
func (hdr *Header) FormatByIdx(idx int32) *FieldInfo {
	return hdr.formatIdx[idx]
}

// Name returns the dictionary string for the given index.
func (hdr *Header) Name(idx int32) string {
	if idx < 0 || int(idx) >= len(hdr.names) {
		return ""
	}
	return hdr.names[idx]
}

// ContigName returns the name of the contig the given record rid
// refers to.
func (hdr *Header) ContigName(rid int32) string {
	if contig := hdr.contigRid[rid]; contig != nil {
		return *contig.ID
	}
	return ""
}

// CloneWithSamples returns a copy of the header that shares all field
// entries with the original, but carries its own sample list. The
// copy is synced.
func (hdr *Header) CloneWithSamples(samples []string) *Header {
	clone := *hdr
	clone.Samples = samples
	clone.samples = make(map[string]int)
	for index, sample := range samples {
		clone.samples[sample] = index
	}
	return &clone
}

// Clone returns a copy of the header with freshly allocated entry
// slices, so that entries can be removed without affecting the
// original. The FieldInfo and Contig entries themselves are shared.
func (hdr *Header) Clone() *Header {
	clone := NewHeader()
	clone.FileFormat = hdr.FileFormat
	clone.Contigs = append([]*Contig(nil), hdr.Contigs...)
	clone.Filters = append([]*FieldInfo(nil), hdr.Filters...)
	clone.Infos = append([]*FieldInfo(nil), hdr.Infos...)
	clone.Formats = append([]*FieldInfo(nil), hdr.Formats...)
	clone.Meta = append([]string(nil), hdr.Meta...)
	clone.Samples = append([]string(nil), hdr.Samples...)
	clone.Sync()
	return clone
}

type (
	// InfoField is the decoded view of one INFO entry in the shared
	// block of a record. Raw is the complete (key, value) encoding,
	// Value the value payload; both alias the record's Shared buffer.
	InfoField struct {
		Key   int32
		Type  byte
		N     int
		Raw   []byte
		Value []byte
	}

	// FormatField is the decoded view of one FORMAT entry in the
	// individual block of a record. Data is the sample-major payload
	// aliasing the record's Indiv buffer: the slice for sample i
	// starts at i*Size and is Size bytes long.
	FormatField struct {
		Key  int32
		Type byte
		N    int // elements per sample
		Size int // bytes per sample
		Data []byte
	}

	// Record is one genomic site of a BCF stream.
	//
	// Shared holds the binary encodings of the ID, REF+ALT, FILTER,
	// and INFO sub-blocks; Indiv holds the binary encodings of the
	// FORMAT fields. The decoded views (subBlocks, Info, Fmt) are
	// only valid after Unpack, and alias the two buffers.
	Record struct {
		Rid     int32
		Pos     int32 // 0-based
		Rlen    int32
		Qual    float32
		NAllele int32
		NInfo   int32
		NFmt    int32
		NSample int32
		Shared  []byte
		Indiv   []byte

		subBlocks [3]int // byte lengths of the ID, REF+ALT, and FILTER sub-blocks
		Info      []InfoField
		Fmt       []FormatField
	}
)

// typeSize returns the byte width of one element of the given type
// code.
func typeSize(typ byte) int {
	switch typ {
	case TypeInt8, TypeChar:
		return 1
	case TypeInt16:
		return 2
	case TypeInt32, TypeFloat:
		return 4
	case TypeMissing:
		return 0
	default:
		log.Panicf("invalid type code %v in a BCF record", typ)
		return 0
	}
}

// scanTypedInt decodes a single typed integer and returns it together
// with the number of bytes consumed.
func scanTypedInt(data []byte) (int32, int) {
	typ := data[0] & 0x0F
	switch typ {
	case TypeInt8:
		return int32(int8(data[1])), 2
	case TypeInt16:
		return int32(int16(uint16(data[1]) | uint16(data[2])<<8)), 3
	case TypeInt32:
		return int32(uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16 | uint32(data[4])<<24), 5
	default:
		log.Panicf("invalid typed integer code %v in a BCF record", typ)
		return 0, 0
	}
}

// scanDescriptor decodes a type descriptor and returns the element
// count, the type code, and the number of bytes consumed.
func scanDescriptor(data []byte) (n int, typ byte, k int) {
	typ = data[0] & 0x0F
	n = int(data[0] >> 4)
	k = 1
	if n == 15 {
		overflow, kk := scanTypedInt(data[1:])
		n = int(overflow)
		k += kk
	}
	return
}

// skipTyped returns the total encoded size of one typed value,
// descriptor included.
func skipTyped(data []byte) int {
	n, typ, k := scanDescriptor(data)
	return k + n*typeSize(typ)
}

// IntAt returns the i-th element of a vector of typed integers with
// the given type code.
func IntAt(typ byte, data []byte, i int) int32 {
	switch typ {
	case TypeInt8:
		return int32(int8(data[i]))
	case TypeInt16:
		return int32(int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8))
	case TypeInt32:
		return int32(uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24)
	default:
		log.Panicf("invalid integer type code %v in a BCF record", typ)
		return 0
	}
}

// FloatBitsAt returns the bit pattern of the i-th element of a vector
// of floats.
func FloatBitsAt(data []byte, i int) uint32 {
	return uint32(data[4*i]) | uint32(data[4*i+1])<<8 | uint32(data[4*i+2])<<16 | uint32(data[4*i+3])<<24
}

// IsMissingInt determines whether the given integer is the missing
// value for its type code.
func IsMissingInt(typ byte, value int32) bool {
	switch typ {
	case TypeInt8:
		return value == int8Missing
	case TypeInt16:
		return value == int16Missing
	default:
		return value == int32Missing
	}
}

// IsVectorEndInt determines whether the given integer is the
// end-of-vector value for its type code.
func IsVectorEndInt(typ byte, value int32) bool {
	switch typ {
	case TypeInt8:
		return value == int8VectorEnd
	case TypeInt16:
		return value == int16VectorEnd
	default:
		return value == int32VectorEnd
	}
}

// AppendTypedInt appends the typed encoding of a single integer,
// using the smallest possible integer type.
func AppendTypedInt(out []byte, value int32) []byte {
	switch {
	case value == int32Missing:
		return append(out, 0x10|TypeInt8, byte(int8Missing & 0xff))
	case value == int32VectorEnd:
		return append(out, 0x10|TypeInt8, byte(int8VectorEnd & 0xff))
	case value >= int8VectorEnd+1 && value <= math.MaxInt8:
		return append(out, 0x10|TypeInt8, byte(value))
	case value >= int16VectorEnd+1 && value <= math.MaxInt16:
		return append(out, 0x10|TypeInt16, byte(value), byte(value>>8))
	default:
		return append(out, 0x10|TypeInt32, byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
	}
}

// AppendDescriptor appends a type descriptor for a vector of n
// elements of the given type code.
func AppendDescriptor(out []byte, n int, typ byte) []byte {
	if n >= 15 {
		out = append(out, 0xF0|typ)
		return AppendTypedInt(out, int32(n))
	}
	return append(out, byte(n)<<4|typ)
}

// AppendTypedString appends the typed encoding of a character string.
func AppendTypedString(out []byte, s string) []byte {
	out = AppendDescriptor(out, len(s), TypeChar)
	return append(out, s...)
}

// Unpack (re)computes the decoded views of the record from its Shared
// and Indiv buffers. It must be called again after either buffer has
// been rewritten.
func (rec *Record) Unpack() {
	data := rec.Shared
	index := skipTyped(data) // ID
	rec.subBlocks[0] = index

	start := index
	for i := int32(0); i < rec.NAllele; i++ {
		index += skipTyped(data[index:])
	}
	rec.subBlocks[1] = index - start

	rec.subBlocks[2] = skipTyped(data[index:]) // FILTER
	index += rec.subBlocks[2]

	rec.Info = rec.Info[:0]
	for i := int32(0); i < rec.NInfo; i++ {
		start := index
		key, kk := scanTypedInt(data[index:])
		index += kk
		n, typ, k := scanDescriptor(data[index:])
		index += k + n*typeSize(typ)
		rec.Info = append(rec.Info, InfoField{
			Key:   key,
			Type:  typ,
			N:     n,
			Raw:   data[start:index],
			Value: data[start+kk+k : index],
		})
	}

	data = rec.Indiv
	index = 0
	rec.Fmt = rec.Fmt[:0]
	for i := int32(0); i < rec.NFmt; i++ {
		key, kk := scanTypedInt(data[index:])
		index += kk
		n, typ, k := scanDescriptor(data[index:])
		index += k
		size := n * typeSize(typ)
		total := size * int(rec.NSample)
		rec.Fmt = append(rec.Fmt, FormatField{
			Key:  key,
			Type: typ,
			N:    n,
			Size: size,
			Data: data[index : index+total],
		})
		index += total
	}
}

// SharedPrefix returns the ID, REF+ALT, and FILTER sub-blocks of the
// shared block, without the INFO pairs that follow them. Only valid
// after Unpack.
func (rec *Record) SharedPrefix() []byte {
	return rec.Shared[:rec.subBlocks[0]+rec.subBlocks[1]+rec.subBlocks[2]]
}

// IDBytes returns the bytes of the ID sub-block payload; empty for a
// missing ID.
func (rec *Record) IDBytes() []byte {
	data := rec.Shared[:rec.subBlocks[0]]
	n, _, k := scanDescriptor(data)
	return data[k : k+n]
}

// EachAllele calls f for every allele string of the record, REF
// first.
func (rec *Record) EachAllele(f func(i int, allele []byte)) {
	data := rec.Shared[rec.subBlocks[0] : rec.subBlocks[0]+rec.subBlocks[1]]
	index := 0
	for i := int32(0); i < rec.NAllele; i++ {
		n, _, k := scanDescriptor(data[index:])
		f(int(i), data[index+k:index+k+n])
		index += k + n
	}
}

// EachFilter calls f for every filter identifier of the record.
func (rec *Record) EachFilter(f func(idx int32)) {
	start := rec.subBlocks[0] + rec.subBlocks[1]
	data := rec.Shared[start : start+rec.subBlocks[2]]
	n, typ, k := scanDescriptor(data)
	for i := 0; i < n; i++ {
		f(IntAt(typ, data[k:], i))
	}
}

// InfoByKey returns the decoded INFO field with the given dictionary
// index, or nil if the record does not carry that field.
func (rec *Record) InfoByKey(key int32) *InfoField {
	for i := range rec.Info {
		if rec.Info[i].Key == key {
			return &rec.Info[i]
		}
	}
	return nil
}

// FmtByKey returns the decoded FORMAT field with the given dictionary
// index, or nil if the record does not carry that field.
func (rec *Record) FmtByKey(key int32) *FormatField {
	for i := range rec.Fmt {
		if rec.Fmt[i].Key == key {
			return &rec.Fmt[i]
		}
	}
	return nil
}

// QualMissing determines whether the QUAL value of the record is
// missing.
func (rec *Record) QualMissing() bool {
	return math.Float32bits(rec.Qual) == FloatMissingBits
}

// SampleSlice returns the value bytes of the given FORMAT field for
// one sample.
func (f *FormatField) SampleSlice(sample int) []byte {
	return f.Data[sample*f.Size : (sample+1)*f.Size]
}
