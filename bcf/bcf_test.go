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
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exascience/elsplit/utils/bgzf"
)

const testHeaderText = "##fileformat=VCFv4.2\n" +
	"##FILTER=<ID=PASS,Description=\"All filters passed\">\n" +
	"##FILTER=<ID=q10,Description=\"Quality below 10\">\n" +
	"##INFO=<ID=DP,Number=1,Type=Integer,Description=\"Total Depth\">\n" +
	"##INFO=<ID=AF,Number=A,Type=Float,Description=\"Allele Frequency\">\n" +
	"##INFO=<ID=DB,Number=0,Type=Flag,Description=\"dbSNP membership\">\n" +
	"##FORMAT=<ID=GT,Number=1,Type=String,Description=\"Genotype\">\n" +
	"##FORMAT=<ID=DP,Number=1,Type=Integer,Description=\"Read Depth\">\n" +
	"##contig=<ID=chr1,length=1000000>\n" +
	"##contig=<ID=chr2,length=2000000>\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tS1\tS2\tS3\n"

func testHeader(t *testing.T) *Header {
	t.Helper()
	return ParseHeaderText(testHeaderText)
}

func appendFloatValue(out []byte, value float32) []byte {
	return appendUint32(out, math.Float32bits(value))
}

// testRecord builds chr1 100 rs1 A T 30 PASS DP=14;AF=0.5 with
// GT:DP values 0/1:10, 0|1:20, and ./.:. for the three samples.
func testRecord(t *testing.T, hdr *Header) *Record {
	t.Helper()
	rec := &Record{
		Pos:     99,
		Rlen:    1,
		Qual:    30,
		NAllele: 2,
		NInfo:   2,
		NFmt:    2,
		NSample: 3,
	}
	shared := AppendTypedString(nil, "rs1")
	shared = AppendTypedString(shared, "A")
	shared = AppendTypedString(shared, "T")
	shared = AppendDescriptor(shared, 1, TypeInt8)
	shared = append(shared, 0) // PASS
	dp, _ := hdr.InfoIdx("DP")
	shared = AppendTypedInt(shared, dp)
	shared = AppendDescriptor(shared, 1, TypeInt8)
	shared = append(shared, 14)
	af, _ := hdr.InfoIdx("AF")
	shared = AppendTypedInt(shared, af)
	shared = AppendDescriptor(shared, 1, TypeFloat)
	shared = appendFloatValue(shared, 0.5)
	gt, _ := hdr.FormatIdx("GT")
	indiv := AppendTypedInt(nil, gt)
	indiv = AppendDescriptor(indiv, 2, TypeInt8)
	indiv = append(indiv, 2, 4, 2, 5, 0, 0)
	fdp, _ := hdr.FormatIdx("DP")
	indiv = AppendTypedInt(indiv, fdp)
	indiv = AppendDescriptor(indiv, 1, TypeInt8)
	indiv = append(indiv, 10, 20, 0x80)
	rec.Shared = shared
	rec.Indiv = indiv
	rec.Unpack()
	return rec
}

func TestAppendTypedInt(t *testing.T) {
	for _, value := range []int32{0, 1, -1, 127, -120, 128, -32760, 32767, 32768, -40000, math.MaxInt32, int32Missing, int32VectorEnd} {
		encoded := AppendTypedInt(nil, value)
		decoded, k := scanTypedInt(encoded)
		if k != len(encoded) {
			t.Errorf("typed int %v: decoded %v of %v bytes", value, k, len(encoded))
		}
		switch value {
		case int32Missing:
			if !IsMissingInt(encoded[0]&0x0F, decoded) {
				t.Errorf("typed int missing decoded to %v", decoded)
			}
		case int32VectorEnd:
			if !IsVectorEndInt(encoded[0]&0x0F, decoded) {
				t.Errorf("typed int end-of-vector decoded to %v", decoded)
			}
		default:
			if decoded != value {
				t.Errorf("typed int %v decoded to %v", value, decoded)
			}
		}
	}
}

func TestAppendDescriptor(t *testing.T) {
	for _, count := range []int{0, 1, 14, 15, 127, 40000} {
		encoded := AppendDescriptor(nil, count, TypeInt16)
		n, typ, k := scanDescriptor(encoded)
		if n != count || typ != TypeInt16 || k != len(encoded) {
			t.Errorf("descriptor for %v elements decoded to n=%v typ=%v k=%v", count, n, typ, k)
		}
	}
}

func TestHeaderSync(t *testing.T) {
	hdr := testHeader(t)
	if hdr.NSamples() != 3 {
		t.Errorf("expected 3 samples, got %v", hdr.NSamples())
	}
	pass := hdr.Filters[0]
	if pass.ID != PASS || pass.Idx != 0 {
		t.Errorf("PASS is not at dictionary index 0 but %v", pass.Idx)
	}
	infoDP, ok := hdr.InfoIdx("DP")
	if !ok {
		t.Fatal("no INFO DP entry")
	}
	fmtDP, ok := hdr.FormatIdx("DP")
	if !ok {
		t.Fatal("no FORMAT DP entry")
	}
	if infoDP != fmtDP {
		t.Errorf("INFO DP and FORMAT DP have different dictionary indices %v and %v", infoDP, fmtDP)
	}
	if hdr.Name(infoDP) != "DP" {
		t.Errorf("dictionary index %v resolves to %v", infoDP, hdr.Name(infoDP))
	}
	if hdr.ContigName(1) != "chr2" {
		t.Errorf("rid 1 resolves to %v", hdr.ContigName(1))
	}
}

func TestHeaderIdxStableAfterRemoval(t *testing.T) {
	hdr := testHeader(t)
	af, _ := hdr.InfoIdx("AF")
	db, _ := hdr.InfoIdx("DB")
	clone := hdr.Clone()
	infos := clone.Infos[:0]
	for _, info := range clone.Infos {
		if *info.ID != "AF" {
			infos = append(infos, info)
		}
	}
	clone.Infos = infos
	clone.Sync()
	if _, ok := clone.InfoIdx("AF"); ok {
		t.Error("AF still present after removal")
	}
	if idx, _ := clone.InfoIdx("DB"); idx != db {
		t.Errorf("DB moved from dictionary index %v to %v", db, idx)
	}
	if clone.InfoByIdx(af) != nil {
		t.Error("removed dictionary index still resolves")
	}
}

func TestHeaderFormatRoundTrip(t *testing.T) {
	hdr := testHeader(t)
	var sb strings.Builder
	out := bufio.NewWriter(&sb)
	hdr.Format(out, true)
	if err := out.Flush(); err != nil {
		t.Fatal(err)
	}
	reparsed := ParseHeaderText(sb.String())
	if len(reparsed.Infos) != len(hdr.Infos) || len(reparsed.Formats) != len(hdr.Formats) || len(reparsed.Filters) != len(hdr.Filters) {
		t.Fatal("reparsed header has different entry counts")
	}
	for i, info := range hdr.Infos {
		again := reparsed.Infos[i]
		if *again.ID != *info.ID || again.Idx != info.Idx || again.Number != info.Number || again.Type != info.Type || again.Description != info.Description {
			t.Errorf("INFO entry %v changed in the round trip", *info.ID)
		}
	}
	if len(reparsed.Samples) != 3 || reparsed.Samples[2] != "S3" {
		t.Error("samples changed in the round trip")
	}
}

func TestRecordUnpack(t *testing.T) {
	hdr := testHeader(t)
	rec := testRecord(t, hdr)
	if string(rec.IDBytes()) != "rs1" {
		t.Errorf("ID decoded to %v", string(rec.IDBytes()))
	}
	var alleles []string
	rec.EachAllele(func(i int, allele []byte) {
		alleles = append(alleles, string(allele))
	})
	if len(alleles) != 2 || alleles[0] != "A" || alleles[1] != "T" {
		t.Errorf("alleles decoded to %v", alleles)
	}
	var filters []int32
	rec.EachFilter(func(idx int32) {
		filters = append(filters, idx)
	})
	if len(filters) != 1 || filters[0] != 0 {
		t.Errorf("filters decoded to %v", filters)
	}
	dp, _ := hdr.InfoIdx("DP")
	info := rec.InfoByKey(dp)
	if info == nil || IntAt(info.Type, info.Value, 0) != 14 {
		t.Error("INFO DP did not decode to 14")
	}
	af, _ := hdr.InfoIdx("AF")
	info = rec.InfoByKey(af)
	if info == nil || math.Float32frombits(FloatBitsAt(info.Value, 0)) != 0.5 {
		t.Error("INFO AF did not decode to 0.5")
	}
	fdp, _ := hdr.FormatIdx("DP")
	fmt := rec.FmtByKey(fdp)
	if fmt == nil || fmt.Size != 1 {
		t.Fatal("FORMAT DP did not decode")
	}
	if IntAt(fmt.Type, fmt.SampleSlice(1), 0) != 20 {
		t.Error("FORMAT DP of sample 1 did not decode to 20")
	}
	if !IsMissingInt(fmt.Type, IntAt(fmt.Type, fmt.SampleSlice(2), 0)) {
		t.Error("FORMAT DP of sample 2 is not missing")
	}
	prefix := rec.SharedPrefix()
	if len(prefix) >= len(rec.Shared) || rec.Info[0].Raw[0] != rec.Shared[len(prefix)] {
		t.Error("SharedPrefix does not end at the first INFO pair")
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	hdr := testHeader(t)
	rec := testRecord(t, hdr)
	for _, typ := range []OutputType{CompressedBCF, UncompressedBCF} {
		name := filepath.Join(t.TempDir(), "test"+typ.Ext())
		out := Create(name, typ)
		out.FormatHeader(hdr)
		out.WriteRecord(rec)
		out.Close()

		in := Open(name)
		hdr2 := in.ParseHeader()
		if hdr2.NSamples() != 3 {
			t.Errorf("%c: reread header has %v samples", typ, hdr2.NSamples())
		}
		var rec2 Record
		if !in.ReadRecord(&rec2) {
			t.Fatalf("%c: no record to reread", typ)
		}
		if rec2.Rid != rec.Rid || rec2.Pos != rec.Pos || rec2.Rlen != rec.Rlen || rec2.Qual != rec.Qual ||
			rec2.NAllele != rec.NAllele || rec2.NInfo != rec.NInfo || rec2.NFmt != rec.NFmt || rec2.NSample != rec.NSample {
			t.Errorf("%c: reread record has different fixed fields", typ)
		}
		if string(rec2.Shared) != string(rec.Shared) || string(rec2.Indiv) != string(rec.Indiv) {
			t.Errorf("%c: reread record has different blocks", typ)
		}
		if in.ReadRecord(&rec2) {
			t.Errorf("%c: unexpected extra record", typ)
		}
		in.Close()
	}
}

const testRecordLine = "chr1\t100\trs1\tA\tT\t30\tPASS\tDP=14;AF=0.5\tGT:DP\t0/1:10\t0|1:20\t./.:."

func TestTextOutput(t *testing.T) {
	hdr := testHeader(t)
	rec := testRecord(t, hdr)
	name := filepath.Join(t.TempDir(), "test.vcf")
	out := Create(name, PlainVCF)
	out.FormatHeader(hdr)
	out.WriteRecord(rec)
	out.Close()

	content, err := ioutil.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if last := lines[len(lines)-1]; last != testRecordLine {
		t.Errorf("record rendered as %q", last)
	}
	if strings.Contains(string(content), "IDX=") {
		t.Error("text output contains dictionary indices")
	}
	columns := strings.Split(lines[len(lines)-2], "\t")
	if columns[0] != "#CHROM" || len(columns) != 12 {
		t.Errorf("column line rendered as %q", lines[len(lines)-2])
	}
}

func TestCompressedTextOutput(t *testing.T) {
	hdr := testHeader(t)
	rec := testRecord(t, hdr)
	name := filepath.Join(t.TempDir(), "test.vcf.gz")
	out := Create(name, CompressedVCF)
	out.FormatHeader(hdr)
	out.WriteRecord(rec)
	out.Close()

	file, err := os.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	reader, err := bgzf.NewReader(bufio.NewReader(file))
	if err != nil {
		t.Fatal(err)
	}
	content, err := ioutil.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if last := lines[len(lines)-1]; last != testRecordLine {
		t.Errorf("record rendered as %q", last)
	}
}
