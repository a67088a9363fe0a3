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
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log"
	"math"
	"os"
	"strconv"

	"github.com/exascience/elsplit/internal"
	"github.com/exascience/elsplit/utils/bgzf"
	"github.com/klauspost/compress/gzip"
)

// BCF magic bytes: "BCF" followed by major and minor version.
var bcfMagic = [5]byte{'B', 'C', 'F', 2, 2}

// InputFile represents a BCF file for input.
type InputFile struct {
	file   *os.File
	bgzf   *bgzf.Reader
	reader *bufio.Reader
}

// Open a BCF file for input. The file may be BGZF-compressed or
// plain. If the name is "/dev/stdin", then the input is read from
// os.Stdin.
func Open(name string) *InputFile {
	var input InputFile
	if name == "/dev/stdin" {
		input.file = os.Stdin
	} else {
		input.file = internal.FileOpen(name)
	}
	reader := bufio.NewReader(input.file)
	gz, err := bgzf.IsGzip(reader)
	if err != nil {
		log.Panic(err)
	}
	if gz {
		if input.bgzf, err = bgzf.NewReader(reader); err != nil {
			log.Panic(err)
		}
		input.reader = bufio.NewReader(input.bgzf)
	} else {
		input.reader = reader
	}
	return &input
}

// ParseHeader parses the magic bytes and the header block at the
// start of the stream, and returns a synced header.
func (input *InputFile) ParseHeader() *Header {
	var magic [5]byte
	internal.ReadFull(input.reader, magic[:])
	if magic[0] != 'B' || magic[1] != 'C' || magic[2] != 'F' || magic[3] != 2 {
		log.Panicf("not a BCF version 2 stream (magic bytes %v)", magic)
	}
	if magic[4] < 1 || magic[4] > 2 {
		log.Panicf("unsupported BCF minor version %v", magic[4])
	}
	var lText uint32
	internal.BinaryRead(input.reader, &lText)
	text := make([]byte, lText)
	internal.ReadFull(input.reader, text)
	return ParseHeaderText(string(bytes.TrimRight(text, "\x00")))
}

func resize(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]byte, n)
}

// The number of bytes of the fixed record fields that count towards
// l_shared in the encoding, but are stored decoded in a Record.
const fixedSharedSize = 24

// ReadRecord reads and unpacks the next record of the stream into
// rec, reusing its buffers. It returns false when the end of the
// stream is reached.
func (input *InputFile) ReadRecord(rec *Record) bool {
	var head [8 + fixedSharedSize]byte
	if _, err := io.ReadFull(input.reader, head[:]); err == io.EOF {
		return false
	} else if err != nil {
		log.Panic(err)
	}
	lShared := binary.LittleEndian.Uint32(head[:])
	lIndiv := binary.LittleEndian.Uint32(head[4:])
	if lShared < fixedSharedSize {
		log.Panicf("invalid shared block size %v in a BCF record", lShared)
	}
	rec.Rid = int32(binary.LittleEndian.Uint32(head[8:]))
	rec.Pos = int32(binary.LittleEndian.Uint32(head[12:]))
	rec.Rlen = int32(binary.LittleEndian.Uint32(head[16:]))
	rec.Qual = math.Float32frombits(binary.LittleEndian.Uint32(head[20:]))
	nAlleleInfo := binary.LittleEndian.Uint32(head[24:])
	rec.NInfo = int32(nAlleleInfo & 0xFFFF)
	rec.NAllele = int32(nAlleleInfo >> 16)
	nFmtSample := binary.LittleEndian.Uint32(head[28:])
	rec.NSample = int32(nFmtSample & 0xFFFFFF)
	rec.NFmt = int32(nFmtSample >> 24)
	rec.Shared = resize(rec.Shared, int(lShared)-fixedSharedSize)
	internal.ReadFull(input.reader, rec.Shared)
	rec.Indiv = resize(rec.Indiv, int(lIndiv))
	internal.ReadFull(input.reader, rec.Indiv)
	rec.Unpack()
	return true
}

// Close the BCF input file.
func (input *InputFile) Close() {
	if input.bgzf != nil {
		internal.Close(input.bgzf)
	}
	if input.file != os.Stdin {
		internal.Close(input.file)
	}
}

// OutputType selects the encoding of an output file.
type OutputType byte

// The four supported output encodings.
const (
	CompressedBCF   OutputType = 'b'
	UncompressedBCF OutputType = 'u'
	CompressedVCF   OutputType = 'z'
	PlainVCF        OutputType = 'v'
)

// ParseOutputType parses the single-letter name of an output
// encoding.
func ParseOutputType(s string) (OutputType, bool) {
	switch s {
	case "b", "u", "z", "v":
		return OutputType(s[0]), true
	default:
		return 0, false
	}
}

// Binary determines whether the output type is a binary (BCF)
// encoding.
func (typ OutputType) Binary() bool {
	return typ == CompressedBCF || typ == UncompressedBCF
}

// Ext returns the filename extension for the output type.
func (typ OutputType) Ext() string {
	switch typ {
	case CompressedBCF, UncompressedBCF:
		return ".bcf"
	case CompressedVCF:
		return ".vcf.gz"
	default:
		return ".vcf"
	}
}

// OutputFile represents a VCF or BCF file for output.
type OutputFile struct {
	Type    OutputType
	file    *os.File
	bgzf    *bgzf.Writer
	writer  *bufio.Writer
	hdr     *Header
	scratch []byte
}

// Create a VCF or BCF file for output with the given encoding. If
// the name is "/dev/stdout", then the output is written to
// os.Stdout.
func Create(name string, typ OutputType) *OutputFile {
	output := &OutputFile{Type: typ}
	if name == "/dev/stdout" {
		output.file = os.Stdout
	} else {
		output.file = internal.FileCreate(name)
	}
	switch typ {
	case CompressedBCF, CompressedVCF:
		output.bgzf = bgzf.NewWriter(output.file, gzip.DefaultCompression)
		output.writer = bufio.NewWriter(output.bgzf)
	default:
		output.writer = bufio.NewWriter(output.file)
	}
	return output
}

// FormatHeader writes the header to the output file, and fixes it as
// the header that subsequent WriteRecord calls encode against.
func (output *OutputFile) FormatHeader(hdr *Header) {
	output.hdr = hdr
	if !output.Type.Binary() {
		hdr.Format(output.writer, false)
		return
	}
	var text bytes.Buffer
	w := bufio.NewWriter(&text)
	hdr.Format(w, true)
	internal.Flush(w)
	internal.Write(output.writer, bcfMagic[:])
	var lText [4]byte
	binary.LittleEndian.PutUint32(lText[:], uint32(text.Len()+1))
	internal.Write(output.writer, lText[:])
	internal.Write(output.writer, text.Bytes())
	internal.WriteByte(output.writer, 0)
}

// WriteRecord writes one record to the output file, in the encoding
// the file was created with.
func (output *OutputFile) WriteRecord(rec *Record) {
	if output.Type.Binary() {
		output.writeBinary(rec)
	} else {
		output.writeText(rec)
	}
}

// Close the VCF or BCF output file. For binary encodings this also
// writes the trailing empty BGZF block that marks a complete stream.
func (output *OutputFile) Close() {
	internal.Flush(output.writer)
	if output.bgzf != nil {
		internal.Close(output.bgzf)
	}
	if output.file != os.Stdout {
		internal.Close(output.file)
	}
}

func (output *OutputFile) writeBinary(rec *Record) {
	head := output.scratch[:0]
	head = appendUint32(head, uint32(fixedSharedSize+len(rec.Shared)))
	head = appendUint32(head, uint32(len(rec.Indiv)))
	head = appendUint32(head, uint32(rec.Rid))
	head = appendUint32(head, uint32(rec.Pos))
	head = appendUint32(head, uint32(rec.Rlen))
	head = appendUint32(head, math.Float32bits(rec.Qual))
	head = appendUint32(head, uint32(rec.NInfo)|uint32(rec.NAllele)<<16)
	head = appendUint32(head, uint32(rec.NSample)|uint32(rec.NFmt)<<24)
	output.scratch = head
	internal.Write(output.writer, head)
	internal.Write(output.writer, rec.Shared)
	internal.Write(output.writer, rec.Indiv)
}

func appendUint32(out []byte, value uint32) []byte {
	return append(out, byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
}

func (output *OutputFile) writeText(rec *Record) {
	out := output.writer
	hdr := output.hdr
	internal.WriteString(out, hdr.ContigName(rec.Rid))
	internal.WriteByte(out, '\t')
	output.scratch = strconv.AppendInt(output.scratch[:0], int64(rec.Pos)+1, 10)
	internal.Write(out, output.scratch)
	internal.WriteByte(out, '\t')
	if id := rec.IDBytes(); len(id) > 0 {
		internal.Write(out, id)
	} else {
		internal.WriteByte(out, '.')
	}
	rec.EachAllele(func(i int, allele []byte) {
		switch i {
		case 0:
			internal.WriteByte(out, '\t')
		case 1:
			internal.WriteByte(out, '\t')
		default:
			internal.WriteByte(out, ',')
		}
		internal.Write(out, allele)
	})
	if rec.NAllele < 2 {
		internal.WriteString(out, "\t.")
	}
	internal.WriteByte(out, '\t')
	if rec.QualMissing() {
		internal.WriteByte(out, '.')
	} else {
		output.scratch = strconv.AppendFloat(output.scratch[:0], float64(rec.Qual), 'g', -1, 32)
		internal.Write(out, output.scratch)
	}
	internal.WriteByte(out, '\t')
	nFilter := 0
	rec.EachFilter(func(idx int32) {
		if nFilter > 0 {
			internal.WriteByte(out, ';')
		}
		internal.WriteString(out, hdr.Name(idx))
		nFilter++
	})
	if nFilter == 0 {
		internal.WriteByte(out, '.')
	}
	internal.WriteByte(out, '\t')
	if len(rec.Info) == 0 {
		internal.WriteByte(out, '.')
	}
	for i := range rec.Info {
		info := &rec.Info[i]
		if i > 0 {
			internal.WriteByte(out, ';')
		}
		internal.WriteString(out, hdr.Name(info.Key))
		if entry := hdr.InfoByIdx(info.Key); info.Type == TypeMissing || (entry != nil && entry.Type == Flag) {
			continue
		}
		internal.WriteByte(out, '=')
		output.formatTypedVector(info.Type, info.N, info.Value)
	}
	if rec.NFmt > 0 && hdr.NSamples() > 0 {
		for i := range rec.Fmt {
			if i == 0 {
				internal.WriteByte(out, '\t')
			} else {
				internal.WriteByte(out, ':')
			}
			internal.WriteString(out, hdr.Name(rec.Fmt[i].Key))
		}
		for sample := 0; sample < hdr.NSamples(); sample++ {
			internal.WriteByte(out, '\t')
			for i := range rec.Fmt {
				fmt := &rec.Fmt[i]
				if i > 0 {
					internal.WriteByte(out, ':')
				}
				entry := hdr.FormatByIdx(fmt.Key)
				if entry != nil && entry.ID == GT {
					output.formatGenotype(fmt, sample)
				} else {
					output.formatTypedVector(fmt.Type, fmt.N, fmt.SampleSlice(sample))
				}
			}
		}
	}
	internal.WriteByte(out, '\n')
}

// formatTypedVector writes the text form of a typed vector, with
// end-of-vector truncation and "." for missing elements.
func (output *OutputFile) formatTypedVector(typ byte, n int, data []byte) {
	out := output.writer
	switch typ {
	case TypeMissing:
		internal.WriteByte(out, '.')
	case TypeChar:
		data = bytes.TrimRight(data[:n], "\x00")
		if len(data) == 0 {
			internal.WriteByte(out, '.')
		} else {
			internal.Write(out, data)
		}
	case TypeFloat:
		for i := 0; i < n; i++ {
			bits := FloatBitsAt(data, i)
			if bits == FloatVectorEndBits {
				break
			}
			if i > 0 {
				internal.WriteByte(out, ',')
			}
			if bits == FloatMissingBits {
				internal.WriteByte(out, '.')
			} else {
				output.scratch = strconv.AppendFloat(output.scratch[:0], float64(math.Float32frombits(bits)), 'g', -1, 32)
				internal.Write(out, output.scratch)
			}
		}
	default:
		for i := 0; i < n; i++ {
			value := IntAt(typ, data, i)
			if IsVectorEndInt(typ, value) {
				break
			}
			if i > 0 {
				internal.WriteByte(out, ',')
			}
			if IsMissingInt(typ, value) {
				internal.WriteByte(out, '.')
			} else {
				output.scratch = strconv.AppendInt(output.scratch[:0], int64(value), 10)
				internal.Write(out, output.scratch)
			}
		}
	}
}

// formatGenotype writes the text form of one GT value: allele indices
// with "/" or "|" separators depending on the phasing bit.
func (output *OutputFile) formatGenotype(fmt *FormatField, sample int) {
	out := output.writer
	data := fmt.SampleSlice(sample)
	if fmt.Type == TypeMissing || fmt.Size == 0 {
		internal.WriteByte(out, '.')
		return
	}
	for i := 0; i < fmt.N; i++ {
		value := IntAt(fmt.Type, data, i)
		if IsVectorEndInt(fmt.Type, value) {
			break
		}
		if i > 0 {
			if value&1 != 0 {
				internal.WriteByte(out, '|')
			} else {
				internal.WriteByte(out, '/')
			}
		}
		if allele := (value >> 1) - 1; allele < 0 {
			internal.WriteByte(out, '.')
		} else {
			output.scratch = strconv.AppendInt(output.scratch[:0], int64(allele), 10)
			internal.Write(out, output.scratch)
		}
	}
}
