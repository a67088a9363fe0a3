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
	"io/ioutil"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exascience/elsplit/bcf"
	"github.com/exascience/elsplit/filter"
	"github.com/exascience/elsplit/intervals"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHeaderText = "##fileformat=VCFv4.2\n" +
	"##FILTER=<ID=PASS,Description=\"All filters passed\">\n" +
	"##INFO=<ID=DP,Number=1,Type=Integer,Description=\"Total Depth\">\n" +
	"##INFO=<ID=AF,Number=A,Type=Float,Description=\"Allele Frequency\">\n" +
	"##FORMAT=<ID=GT,Number=1,Type=String,Description=\"Genotype\">\n" +
	"##FORMAT=<ID=DP,Number=1,Type=Integer,Description=\"Read Depth\">\n" +
	"##contig=<ID=chr1,length=1000000>\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tS1\tS2\tS3\n"

func testHeader(t *testing.T) *bcf.Header {
	t.Helper()
	return bcf.ParseHeaderText(testHeaderText)
}

// genotype encodes one diploid GT value.
func genotype(a, b int32, phased bool) (byte, byte) {
	second := byte((b + 1) << 1)
	if phased {
		second |= 1
	}
	return byte((a + 1) << 1), second
}

// testRecord builds a site at the given 0-based position with the
// given INFO DP value, per-sample diploid genotypes, and per-sample
// FORMAT DP values.
func testRecord(t *testing.T, hdr *bcf.Header, pos int32, qual float32, infoDP int32, gts [][2]int32, dps []int32) *bcf.Record {
	t.Helper()
	rec := &bcf.Record{
		Pos:     pos,
		Rlen:    1,
		Qual:    qual,
		NAllele: 2,
		NInfo:   2,
		NFmt:    2,
		NSample: int32(len(gts)),
	}
	shared := bcf.AppendTypedString(nil, "")
	shared = bcf.AppendTypedString(shared, "A")
	shared = bcf.AppendTypedString(shared, "T")
	shared = bcf.AppendDescriptor(shared, 1, bcf.TypeInt8)
	shared = append(shared, 0) // PASS
	dp, ok := hdr.InfoIdx("DP")
	require.True(t, ok)
	shared = bcf.AppendTypedInt(shared, dp)
	shared = bcf.AppendDescriptor(shared, 1, bcf.TypeInt8)
	shared = append(shared, byte(infoDP))
	af, ok := hdr.InfoIdx("AF")
	require.True(t, ok)
	shared = bcf.AppendTypedInt(shared, af)
	shared = bcf.AppendDescriptor(shared, 1, bcf.TypeFloat)
	bits := math.Float32bits(0.5)
	shared = append(shared, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	gt, ok := hdr.FormatIdx("GT")
	require.True(t, ok)
	indiv := bcf.AppendTypedInt(nil, gt)
	indiv = bcf.AppendDescriptor(indiv, 2, bcf.TypeInt8)
	for _, g := range gts {
		a, b := genotype(g[0], g[1], false)
		indiv = append(indiv, a, b)
	}
	fdp, ok := hdr.FormatIdx("DP")
	require.True(t, ok)
	indiv = bcf.AppendTypedInt(indiv, fdp)
	indiv = bcf.AppendDescriptor(indiv, 1, bcf.TypeInt8)
	for _, d := range dps {
		indiv = append(indiv, byte(d))
	}
	rec.Shared = shared
	rec.Indiv = indiv
	rec.Unpack()
	return rec
}

func TestParseKeepTagsDefaults(t *testing.T) {
	hdr := testHeader(t)

	tags := ParseKeepTags("", hdr)
	assert.True(t, tags.KeepInfo)
	assert.True(t, tags.KeepFormat)

	tags = ParseKeepTags("INFO", hdr)
	assert.True(t, tags.KeepInfo)
	assert.True(t, tags.KeepFormat)

	tags = ParseKeepTags("FMT", hdr)
	assert.False(t, tags.KeepInfo)
	assert.True(t, tags.KeepFormat)

	tags = ParseKeepTags("FORMAT", hdr)
	assert.False(t, tags.KeepInfo)
	assert.True(t, tags.KeepFormat)
}

func TestParseKeepTagsSelections(t *testing.T) {
	hdr := testHeader(t)
	dp, _ := hdr.InfoIdx("DP")
	af, _ := hdr.InfoIdx("AF")
	gt, _ := hdr.FormatIdx("GT")
	fdp, _ := hdr.FormatIdx("DP")

	tags := ParseKeepTags("INFO/DP,FMT/GT", hdr)
	assert.False(t, tags.KeepInfo)
	assert.False(t, tags.KeepFormat)
	assert.True(t, tags.AllowInfo(dp))
	assert.False(t, tags.AllowInfo(af))
	assert.True(t, tags.AllowFormat(gt))
	assert.False(t, tags.AllowFormat(fdp))

	// The INFO/ and FMT/ prefixes are sticky.
	tags = ParseKeepTags("INFO,FMT/GT,DP", hdr)
	assert.True(t, tags.KeepInfo)
	assert.False(t, tags.KeepFormat)
	assert.True(t, tags.AllowFormat(gt))
	assert.True(t, tags.AllowFormat(fdp))

	// Restricting INFO alone keeps all FORMAT fields.
	tags = ParseKeepTags("INFO/DP", hdr)
	assert.False(t, tags.KeepInfo)
	assert.True(t, tags.KeepFormat)

	// Unknown names are ignored.
	tags = ParseKeepTags("INFO/NOSUCH", hdr)
	assert.False(t, tags.KeepInfo)
	assert.False(t, tags.Info.Any())
}

func TestScanSampleColumn(t *testing.T) {
	names, rest := scanSampleColumn("S1,S2\tNewS1,NewS2")
	assert.Equal(t, []string{"S1", "S2"}, names)
	assert.Equal(t, "\tNewS1,NewS2", rest)

	names, rest = scanSampleColumn("My\\ Sample renamed")
	assert.Equal(t, []string{"My Sample"}, names)
	assert.Equal(t, " renamed", rest)

	names, rest = scanSampleColumn("S3")
	assert.Equal(t, []string{"S3"}, names)
	assert.Equal(t, "", rest)
}

func TestParseManifestLine(t *testing.T) {
	hdr := testHeader(t)

	set := parseManifestLine("S3,S1", "test", hdr)
	require.NotNil(t, set)
	assert.Equal(t, []int{2, 0}, set.Samples)
	assert.Equal(t, []string{"S3", "S1"}, set.Names)
	assert.Equal(t, "S3", set.Base)

	set = parseManifestLine("S2,S1\tB,A", "test", hdr)
	require.NotNil(t, set)
	assert.Equal(t, []int{1, 0}, set.Samples)
	assert.Equal(t, []string{"B", "A"}, set.Names)
	assert.Equal(t, "B", set.Base)

	// Unknown samples are skipped.
	set = parseManifestLine("NOSUCH,S2", "test", hdr)
	require.NotNil(t, set)
	assert.Equal(t, []int{1}, set.Samples)

	set = parseManifestLine("NOSUCH", "test", hdr)
	assert.Nil(t, set)

	assert.Panics(t, func() {
		parseManifestLine("S1,S2\tOnlyOne", "test", hdr)
	})
}

func TestResolveSetsDefault(t *testing.T) {
	hdr := testHeader(t)
	sets := ResolveSets(hdr, "")
	require.Len(t, sets, 3)
	for i, set := range sets {
		assert.Equal(t, []int{i}, set.Samples)
		assert.Equal(t, hdr.Samples[i], set.Base)
	}
}

func TestProjectHeader(t *testing.T) {
	hdr := testHeader(t)
	dp, _ := hdr.InfoIdx("DP")
	gt, _ := hdr.FormatIdx("GT")

	tags := ParseKeepTags("INFO/DP,FMT/GT", hdr)
	projected := ProjectHeader(hdr, tags)

	_, ok := projected.InfoIdx("AF")
	assert.False(t, ok)
	idx, ok := projected.InfoIdx("DP")
	require.True(t, ok)
	assert.Equal(t, dp, idx)
	idx, ok = projected.FormatIdx("GT")
	require.True(t, ok)
	assert.Equal(t, gt, idx)
	_, ok = projected.FormatIdx("DP")
	assert.False(t, ok)

	// The input header is untouched.
	_, ok = hdr.InfoIdx("AF")
	assert.True(t, ok)
}

func TestProjectorFastPath(t *testing.T) {
	hdr := testHeader(t)
	rec := testRecord(t, hdr, 99, 30, 14, [][2]int32{{0, 1}, {0, 0}, {1, 1}}, []int32{10, 20, 30})
	tags := ParseKeepTags("", hdr)
	projector := NewProjector(tags, true)

	projector.ProjectShared(rec)
	set := &SampleSet{Samples: []int{2, 0}, Names: []string{"S3", "S1"}, Base: "S3"}
	out := projector.ForSet(set, rec)

	assert.Equal(t, rec.NInfo, out.NInfo)
	assert.Equal(t, string(rec.Shared), string(out.Shared))
	assert.Equal(t, int32(2), out.NSample)
	assert.Equal(t, rec.NFmt, out.NFmt)

	gt, _ := hdr.FormatIdx("GT")
	fmt := out.FmtByKey(gt)
	require.NotNil(t, fmt)
	src := rec.FmtByKey(gt)
	assert.Equal(t, string(src.SampleSlice(2)), string(fmt.SampleSlice(0)))
	assert.Equal(t, string(src.SampleSlice(0)), string(fmt.SampleSlice(1)))
}

func TestProjectorSlowPath(t *testing.T) {
	hdr := testHeader(t)
	rec := testRecord(t, hdr, 99, 30, 14, [][2]int32{{0, 1}, {0, 0}, {1, 1}}, []int32{10, 20, 30})
	tags := ParseKeepTags("INFO/DP,FMT/GT", hdr)
	projector := NewProjector(tags, true)

	projector.ProjectShared(rec)
	set := &SampleSet{Samples: []int{1}, Names: []string{"S2"}, Base: "S2"}
	out := projector.ForSet(set, rec)

	assert.Equal(t, int32(1), out.NInfo)
	dp, _ := hdr.InfoIdx("DP")
	af, _ := hdr.InfoIdx("AF")
	assert.NotNil(t, out.InfoByKey(dp))
	assert.Nil(t, out.InfoByKey(af))

	assert.Equal(t, int32(1), out.NFmt)
	fdp, _ := hdr.FormatIdx("DP")
	assert.Nil(t, out.FmtByKey(fdp))
	gt, _ := hdr.FormatIdx("GT")
	fmt := out.FmtByKey(gt)
	require.NotNil(t, fmt)
	src := rec.FmtByKey(gt)
	assert.Equal(t, string(src.SampleSlice(1)), string(fmt.SampleSlice(0)))
}

// writeTestInput writes a two-site input file: chr1:100 with
// genotypes 0/1, 0/0, 1/1 and chr1:200 with genotypes 0/0, ./., 0/1.
func writeTestInput(t *testing.T, hdr *bcf.Header) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "input.bcf")
	out := bcf.Create(name, bcf.CompressedBCF)
	out.FormatHeader(hdr)
	out.WriteRecord(testRecord(t, hdr, 99, 30, 14, [][2]int32{{0, 1}, {0, 0}, {1, 1}}, []int32{10, 20, 30}))
	out.WriteRecord(testRecord(t, hdr, 199, 40, 7, [][2]int32{{0, 0}, {-1, -1}, {0, 1}}, []int32{5, 6, 7}))
	out.Close()
	return name
}

func readLines(t *testing.T, name string) []string {
	t.Helper()
	content, err := ioutil.ReadFile(name)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(content), "\n"), "\n")
}

func recordLines(lines []string) (records []string) {
	for _, line := range lines {
		if !strings.HasPrefix(line, "#") {
			records = append(records, line)
		}
	}
	return records
}

func TestRunPerSample(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()

	Run(Options{
		Input:      input,
		OutputDir:  dir,
		OutputType: bcf.PlainVCF,
	})

	for _, sample := range []string{"S1", "S2", "S3"} {
		lines := readLines(t, filepath.Join(dir, sample+".vcf"))
		columns := strings.Split(lines[len(lines)-3], "\t")
		require.Equal(t, "#CHROM", columns[0])
		require.Len(t, columns, 10)
		assert.Equal(t, sample, columns[9])
		assert.Len(t, recordLines(lines), 2)
	}

	lines := readLines(t, filepath.Join(dir, "S2.vcf"))
	records := recordLines(lines)
	assert.Equal(t, "chr1\t100\t.\tA\tT\t30\tPASS\tDP=14;AF=0.5\tGT:DP\t0/0:20", records[0])
	assert.Equal(t, "chr1\t200\t.\tA\tT\t40\tPASS\tDP=7;AF=0.5\tGT:DP\t./.:6", records[1])
}

func TestRunKeepTags(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()

	Run(Options{
		Input:      input,
		OutputDir:  dir,
		OutputType: bcf.PlainVCF,
		KeepTags:   "INFO/DP,FMT/GT",
	})

	lines := readLines(t, filepath.Join(dir, "S1.vcf"))
	for _, line := range lines {
		assert.False(t, strings.HasPrefix(line, "##INFO=<ID=AF"))
		assert.False(t, strings.HasPrefix(line, "##FORMAT=<ID=DP"))
	}
	records := recordLines(lines)
	assert.Equal(t, "chr1\t100\t.\tA\tT\t30\tPASS\tDP=14\tGT\t0/1", records[0])
}

func TestRunManifest(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()
	manifest := filepath.Join(dir, "samples.txt")
	require.NoError(t, ioutil.WriteFile(manifest, []byte("S3,S1\tNewS3,NewS1\nS2\n"), 0644))

	Run(Options{
		Input:       input,
		OutputDir:   dir,
		OutputType:  bcf.PlainVCF,
		SamplesFile: manifest,
	})

	lines := readLines(t, filepath.Join(dir, "NewS3.vcf"))
	columns := strings.Split(lines[len(lines)-3], "\t")
	require.Len(t, columns, 11)
	assert.Equal(t, "NewS3", columns[9])
	assert.Equal(t, "NewS1", columns[10])
	records := recordLines(lines)
	assert.Equal(t, "chr1\t100\t.\tA\tT\t30\tPASS\tDP=14;AF=0.5\tGT:DP\t1/1:30\t0/1:10", records[0])

	_, err := os.Stat(filepath.Join(dir, "S2.vcf"))
	assert.NoError(t, err)
}

func TestRunIncludeFilter(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()

	Run(Options{
		Input:       input,
		OutputDir:   dir,
		OutputType:  bcf.PlainVCF,
		FilterExpr:  `GT="alt"`,
		FilterLogic: filter.Include,
	})

	// S1 has an alt genotype only at the first site, S2 at none,
	// S3 at both.
	assert.Len(t, recordLines(readLines(t, filepath.Join(dir, "S1.vcf"))), 1)
	assert.Len(t, recordLines(readLines(t, filepath.Join(dir, "S2.vcf"))), 0)
	assert.Len(t, recordLines(readLines(t, filepath.Join(dir, "S3.vcf"))), 2)
}

func TestRunExcludeFilter(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()

	Run(Options{
		Input:       input,
		OutputDir:   dir,
		OutputType:  bcf.PlainVCF,
		FilterExpr:  `GT="mis"`,
		FilterLogic: filter.Exclude,
	})

	assert.Len(t, recordLines(readLines(t, filepath.Join(dir, "S2.vcf"))), 1)
	assert.Len(t, recordLines(readLines(t, filepath.Join(dir, "S1.vcf"))), 2)
}

func TestRunTargets(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()

	Run(Options{
		Input:      input,
		OutputDir:  dir,
		OutputType: bcf.PlainVCF,
		Targets:    intervals.ParseTargets("chr1:150-250"),
	})

	records := recordLines(readLines(t, filepath.Join(dir, "S1.vcf")))
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0], "chr1\t200\t"))
}

func TestRunBinaryOutputs(t *testing.T) {
	hdr := testHeader(t)
	input := writeTestInput(t, hdr)
	dir := t.TempDir()

	Run(Options{
		Input:      input,
		OutputDir:  dir,
		OutputType: bcf.CompressedBCF,
	})

	in := bcf.Open(filepath.Join(dir, "S3.bcf"))
	defer in.Close()
	hdr2 := in.ParseHeader()
	require.Equal(t, []string{"S3"}, hdr2.Samples)
	var rec bcf.Record
	require.True(t, in.ReadRecord(&rec))
	assert.Equal(t, int32(99), rec.Pos)
	assert.Equal(t, int32(1), rec.NSample)
	gt, _ := hdr2.FormatIdx("GT")
	fmt := rec.FmtByKey(gt)
	require.NotNil(t, fmt)
	assert.Equal(t, []byte{4, 4}, fmt.SampleSlice(0))
	require.True(t, in.ReadRecord(&rec))
	assert.Equal(t, int32(199), rec.Pos)
	require.False(t, in.ReadRecord(&rec))
}

func TestOutputFilename(t *testing.T) {
	assert.Equal(t, filepath.Join("dir", "My_Sample.vcf"), outputFilename("dir", "My Sample", bcf.PlainVCF))
	assert.Equal(t, filepath.Join("dir", "S1.bcf"), outputFilename("dir", "S1", bcf.CompressedBCF))
	assert.Equal(t, filepath.Join("dir", "S1.vcf.gz"), outputFilename("dir", "S1", bcf.CompressedVCF))
}
