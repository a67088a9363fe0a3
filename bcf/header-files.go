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
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/exascience/elsplit/internal"
	"github.com/exascience/elsplit/utils"
)

const (
	fileFormatPrefix = "##fileformat="
	filterPrefix     = "##FILTER=<"
	infoPrefix       = "##INFO=<"
	formatPrefix     = "##FORMAT=<"
	contigPrefix     = "##contig=<"
)

// ParseMetaField parses a key=value pair in a structured header
// line. The value may be quoted, with backslash escapes.
func (sc *StringScanner) ParseMetaField() (key, value string) {
	key, found := sc.readUntilByte('=')
	if !found {
		log.Panicf("missing = in a structured header line field %v", key)
	}
	if sc.Len() == 0 {
		return key, ""
	}
	if sc.peek() != '"' {
		value = sc.readUntilBytes([]byte{',', '>'})
		if sc.Len() > 0 && sc.peek() == ',' {
			sc.advance()
		}
		return key, value
	}
	sc.advance()
	var sb strings.Builder
	for sc.Len() > 0 {
		switch b := sc.advance(); b {
		case '\\':
			if sc.Len() == 0 {
				log.Panic("incomplete escape in a structured header line field")
			}
			sb.WriteByte(sc.advance())
		case '"':
			if sc.Len() > 0 && sc.peek() == ',' {
				sc.advance()
			}
			return key, sb.String()
		default:
			sb.WriteByte(b)
		}
	}
	log.Panic("unterminated quoted value in a structured header line field")
	return "", ""
}

func parseNumber(s string) int32 {
	switch s {
	case "A":
		return NumberA
	case "R":
		return NumberR
	case "G":
		return NumberG
	case ".":
		return NumberDot
	default:
		return int32(internal.ParseInt(s, 10, 32))
	}
}

func formatNumber(number int32) string {
	switch number {
	case NumberA:
		return "A"
	case NumberR:
		return "R"
	case NumberG:
		return "G"
	case NumberDot:
		return "."
	default:
		return strconv.FormatInt(int64(number), 10)
	}
}

func parseType(s string) Type {
	switch s {
	case "Integer":
		return Integer
	case "Float":
		return Float
	case "Flag":
		return Flag
	case "Character":
		return Character
	case "String":
		return String
	default:
		log.Panicf("invalid Type %v in a header line", s)
		return InvalidType
	}
}

func formatType(typ Type) string {
	switch typ {
	case Integer:
		return "Integer"
	case Float:
		return "Float"
	case Flag:
		return "Flag"
	case Character:
		return "Character"
	case String:
		return "String"
	default:
		log.Panicf("invalid field type %v in a header", typ)
		return ""
	}
}

// parseFieldInfo parses the inside of a ##FILTER, ##INFO, or ##FORMAT
// header line, with the structured parts assigned to the known
// FieldInfo components and everything else kept in Fields.
func parseFieldInfo(line string) *FieldInfo {
	field := NewFieldInfo()
	var sc StringScanner
	sc.Reset(line)
	for sc.Len() > 0 && sc.peek() != '>' {
		key, value := sc.ParseMetaField()
		switch key {
		case "ID":
			field.ID = utils.Intern(value)
		case "Description":
			field.Description = value
		case "Number":
			field.Number = parseNumber(value)
		case "Type":
			field.Type = parseType(value)
		case "IDX":
			field.Idx = int32(internal.ParseInt(value, 10, 32))
		default:
			if !field.Fields.SetUniqueEntry(key, value) {
				log.Panicf("duplicate field %v in a header line", key)
			}
		}
	}
	if field.ID == nil {
		log.Panicf("missing ID in header line %v", line)
	}
	return field
}

func parseContig(line string) *Contig {
	contig := &Contig{Idx: -1, Fields: make(utils.StringMap)}
	var sc StringScanner
	sc.Reset(line)
	for sc.Len() > 0 && sc.peek() != '>' {
		key, value := sc.ParseMetaField()
		switch key {
		case "ID":
			contig.ID = utils.Intern(value)
		case "length":
			contig.Length = internal.ParseInt(value, 10, 64)
		case "IDX":
			contig.Idx = int32(internal.ParseInt(value, 10, 32))
		default:
			if !contig.Fields.SetUniqueEntry(key, value) {
				log.Panicf("duplicate field %v in a contig header line", key)
			}
		}
	}
	if contig.ID == nil {
		log.Panicf("missing ID in contig header line %v", line)
	}
	return contig
}

// ParseHeaderText parses the text representation of a header, as
// embedded in the header block of a BCF stream, and returns a synced
// header.
func ParseHeaderText(text string) *Header {
	hdr := NewHeader()
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, fileFormatPrefix):
			hdr.FileFormat = line[len(fileFormatPrefix):]
		case strings.HasPrefix(line, filterPrefix):
			hdr.Filters = append(hdr.Filters, parseFieldInfo(line[len(filterPrefix):]))
		case strings.HasPrefix(line, infoPrefix):
			hdr.Infos = append(hdr.Infos, parseFieldInfo(line[len(infoPrefix):]))
		case strings.HasPrefix(line, formatPrefix):
			hdr.Formats = append(hdr.Formats, parseFieldInfo(line[len(formatPrefix):]))
		case strings.HasPrefix(line, contigPrefix):
			hdr.Contigs = append(hdr.Contigs, parseContig(line[len(contigPrefix):]))
		case strings.HasPrefix(line, "##"):
			hdr.Meta = append(hdr.Meta, line)
		case strings.HasPrefix(line, "#"):
			columns := strings.Split(line, "\t")
			if len(columns) > 9 {
				hdr.Samples = append(hdr.Samples, columns[9:]...)
			}
		default:
			log.Panicf("invalid header line %v", line)
		}
	}
	hdr.Sync()
	return hdr
}

func formatDescription(out *bufio.Writer, description string) {
	internal.WriteString(out, ",Description=\"")
	for i := 0; i < len(description); i++ {
		b := description[i]
		if b == '"' || b == '\\' {
			internal.WriteByte(out, '\\')
		}
		internal.WriteByte(out, b)
	}
	internal.WriteByte(out, '"')
}

func formatExtraFields(out *bufio.Writer, fields utils.StringMap) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		internal.WriteByte(out, ',')
		internal.WriteString(out, key)
		internal.WriteString(out, "=\"")
		internal.WriteString(out, fields[key])
		internal.WriteByte(out, '"')
	}
}

func formatFieldInfo(out *bufio.Writer, prefix string, field *FieldInfo, filterNotTyped, withIdx bool) {
	internal.WriteString(out, prefix)
	internal.WriteString(out, "ID=")
	internal.WriteString(out, *field.ID)
	if !filterNotTyped {
		internal.WriteString(out, ",Number=")
		internal.WriteString(out, formatNumber(field.Number))
		internal.WriteString(out, ",Type=")
		internal.WriteString(out, formatType(field.Type))
	}
	formatDescription(out, field.Description)
	formatExtraFields(out, field.Fields)
	if withIdx {
		internal.WriteString(out, ",IDX=")
		internal.WriteString(out, strconv.FormatInt(int64(field.Idx), 10))
	}
	internal.WriteString(out, ">\n")
}

// Format writes the text representation of the header. When withIdx
// is true, the dictionary indices are written out as IDX fields, as
// required for the header block of a binary output; text outputs omit
// them. The original line order of a parsed header is not preserved:
// entries are written grouped by class.
func (hdr *Header) Format(out *bufio.Writer, withIdx bool) {
	internal.WriteString(out, fileFormatPrefix)
	if hdr.FileFormat != "" {
		internal.WriteString(out, hdr.FileFormat)
	} else {
		internal.WriteString(out, FileFormatVersion)
	}
	internal.WriteByte(out, '\n')
	for _, filter := range hdr.Filters {
		formatFieldInfo(out, filterPrefix, filter, true, withIdx)
	}
	for _, info := range hdr.Infos {
		formatFieldInfo(out, infoPrefix, info, false, withIdx)
	}
	for _, format := range hdr.Formats {
		formatFieldInfo(out, formatPrefix, format, false, withIdx)
	}
	for _, contig := range hdr.Contigs {
		internal.WriteString(out, contigPrefix)
		internal.WriteString(out, "ID=")
		internal.WriteString(out, *contig.ID)
		if contig.Length > 0 {
			internal.WriteString(out, ",length=")
			internal.WriteString(out, strconv.FormatInt(contig.Length, 10))
		}
		formatExtraFields(out, contig.Fields)
		if withIdx {
			internal.WriteString(out, ",IDX=")
			internal.WriteString(out, strconv.FormatInt(int64(contig.Idx), 10))
		}
		internal.WriteString(out, ">\n")
	}
	for _, meta := range hdr.Meta {
		internal.WriteString(out, meta)
		internal.WriteByte(out, '\n')
	}
	internal.WriteByte(out, '#')
	for i, column := range DefaultHeaderColumns {
		if i > 0 {
			internal.WriteByte(out, '\t')
		}
		internal.WriteString(out, column)
	}
	if len(hdr.Samples) > 0 {
		internal.WriteString(out, "\tFORMAT")
		for _, sample := range hdr.Samples {
			internal.WriteByte(out, '\t')
			internal.WriteString(out, sample)
		}
	}
	internal.WriteByte(out, '\n')
}
