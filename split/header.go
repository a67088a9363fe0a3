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
)

// ProjectHeader returns a copy of the input header with the INFO and
// FORMAT entries the tag allow-list drops removed. The surviving
// entries keep their dictionary indices, so that the integer field
// identifiers in records written against the input header stay valid
// against the projected header.
func ProjectHeader(hdr *bcf.Header, tags *TagAllowList) *bcf.Header {
	out := hdr.Clone()
	if tags.RestrictsInfo() {
		infos := out.Infos[:0]
		for _, info := range out.Infos {
			if tags.AllowInfo(info.Idx) {
				infos = append(infos, info)
			}
		}
		out.Infos = infos
	}
	if tags.RestrictsFormat() {
		formats := out.Formats[:0]
		for _, format := range out.Formats {
			if tags.AllowFormat(format.Idx) {
				formats = append(formats, format)
			}
		}
		out.Formats = formats
	}
	out.Sync()
	return out
}
