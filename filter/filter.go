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

// Package filter compiles and evaluates site filter expressions
// against records. Expressions compare QUAL, INFO, and FORMAT fields
// with constants, and can be combined with &&, ||, !, and
// parentheses. A comparison against a FORMAT field holds when it
// holds for at least one sample. The GT field supports the
// pseudo-values "ref", "alt", "mis", "hom", "het", and "hap", as well
// as literal genotypes such as "0/1".
package filter

import (
	"bytes"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/exascience/elsplit/bcf"
)

// Logic tells how the outcome of a filter expression is applied to a
// record.
type Logic int

// A record is written when the expression is true (Include) or when
// it is false (Exclude).
const (
	Include Logic = 1 + iota
	Exclude
)

// A Filter is a compiled filter expression. A Filter is not safe for
// concurrent use; compile one per output.
type Filter struct {
	root node
}

// Test evaluates the filter expression against an unpacked record.
func (f *Filter) Test(rec *bcf.Record) bool {
	return f.root.eval(rec)
}

type node interface {
	eval(rec *bcf.Record) bool
}

type andNode struct{ left, right node }

func (n *andNode) eval(rec *bcf.Record) bool {
	return n.left.eval(rec) && n.right.eval(rec)
}

type orNode struct{ left, right node }

func (n *orNode) eval(rec *bcf.Record) bool {
	return n.left.eval(rec) || n.right.eval(rec)
}

type notNode struct{ sub node }

func (n *notNode) eval(rec *bcf.Record) bool {
	return !n.sub.eval(rec)
}

type operandKind int

const (
	opNum operandKind = iota
	opStr
	opQual
	opInfo
	opFmt
	opGT
)

type operand struct {
	kind operandKind
	idx  int32
	num  float64
	str  string
}

func (o *operand) perSample() bool {
	return o.kind == opFmt || o.kind == opGT
}

// numbers collects the numeric values of the operand for one record
// into buf. For per-sample operands, sample selects the sample;
// otherwise sample is ignored. Missing elements are skipped; a field
// the record does not carry yields no values. A present INFO flag
// yields the single value 1.
func (o *operand) numbers(rec *bcf.Record, sample int, buf []float64) []float64 {
	switch o.kind {
	case opNum:
		return append(buf, o.num)
	case opQual:
		if rec.QualMissing() {
			return buf
		}
		return append(buf, float64(rec.Qual))
	case opInfo:
		info := rec.InfoByKey(o.idx)
		if info == nil {
			return buf
		}
		if info.Type == bcf.TypeMissing {
			return append(buf, 1)
		}
		return appendTypedNums(buf, info.Type, info.N, info.Value)
	case opFmt, opGT:
		fmt := rec.FmtByKey(o.idx)
		if fmt == nil || fmt.Type == bcf.TypeMissing {
			return buf
		}
		return appendTypedNums(buf, fmt.Type, fmt.N, fmt.SampleSlice(sample))
	default:
		log.Panicf("filter operand %v has no numeric value", o.str)
		return buf
	}
}

func appendTypedNums(buf []float64, typ byte, n int, data []byte) []float64 {
	switch typ {
	case bcf.TypeFloat:
		for i := 0; i < n; i++ {
			bits := bcf.FloatBitsAt(data, i)
			if bits == bcf.FloatVectorEndBits {
				break
			}
			if bits == bcf.FloatMissingBits {
				continue
			}
			buf = append(buf, float64(math.Float32frombits(bits)))
		}
	case bcf.TypeChar:
		// A character field has no numeric values.
	default:
		for i := 0; i < n; i++ {
			value := bcf.IntAt(typ, data, i)
			if bcf.IsVectorEndInt(typ, value) {
				break
			}
			if bcf.IsMissingInt(typ, value) {
				continue
			}
			buf = append(buf, float64(value))
		}
	}
	return buf
}

// text returns the string value of the operand for one record, and
// whether the record carries it.
func (o *operand) text(rec *bcf.Record, sample int) (string, bool) {
	switch o.kind {
	case opStr:
		return o.str, true
	case opInfo:
		info := rec.InfoByKey(o.idx)
		if info == nil || info.Type != bcf.TypeChar {
			return "", false
		}
		return string(bytes.TrimRight(info.Value[:info.N], "\x00")), true
	case opFmt:
		fmt := rec.FmtByKey(o.idx)
		if fmt == nil || fmt.Type != bcf.TypeChar {
			return "", false
		}
		return string(bytes.TrimRight(fmt.SampleSlice(sample), "\x00")), true
	default:
		return "", false
	}
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
)

type cmpNode struct {
	op         tokenKind
	lhs, rhs   operand
	lbuf, rbuf []float64
	scratch    []byte
}

func compareNums(a, b float64, op tokenKind) bool {
	switch op {
	case tokEq:
		return a == b
	case tokNe:
		return a != b
	case tokLt:
		return a < b
	case tokLe:
		return a <= b
	case tokGt:
		return a > b
	default:
		return a >= b
	}
}

func (n *cmpNode) anyPair(rec *bcf.Record, sample int) bool {
	n.lbuf = n.lhs.numbers(rec, sample, n.lbuf[:0])
	n.rbuf = n.rhs.numbers(rec, sample, n.rbuf[:0])
	for _, a := range n.lbuf {
		for _, b := range n.rbuf {
			if compareNums(a, b, n.op) {
				return true
			}
		}
	}
	return false
}

func (n *cmpNode) eval(rec *bcf.Record) bool {
	if n.lhs.kind == opGT || n.rhs.kind == opGT {
		gt, want := &n.lhs, &n.rhs
		if n.rhs.kind == opGT {
			gt, want = &n.rhs, &n.lhs
		}
		if want.kind == opStr {
			return n.evalGenotype(rec, gt, want.str)
		}
	}
	if n.lhs.kind == opStr || n.rhs.kind == opStr {
		return n.evalText(rec)
	}
	if n.lhs.perSample() || n.rhs.perSample() {
		for sample := 0; sample < int(rec.NSample); sample++ {
			if n.anyPair(rec, sample) {
				return true
			}
		}
		return false
	}
	return n.anyPair(rec, -1)
}

func (n *cmpNode) evalText(rec *bcf.Record) bool {
	samples := 1
	if n.lhs.perSample() || n.rhs.perSample() {
		samples = int(rec.NSample)
	}
	for sample := 0; sample < samples; sample++ {
		a, aok := n.lhs.text(rec, sample)
		b, bok := n.rhs.text(rec, sample)
		if !aok || !bok {
			continue
		}
		if (a == b) == (n.op == tokEq) {
			return true
		}
	}
	return false
}

// evalGenotype matches the GT values of a record against a
// pseudo-value or a literal genotype. The match holds when it holds
// for at least one sample; != is the per-sample negation of =. A
// record that does not carry GT never matches.
func (n *cmpNode) evalGenotype(rec *bcf.Record, gt *operand, want string) bool {
	fmt := rec.FmtByKey(gt.idx)
	if fmt == nil {
		return false
	}
	for sample := 0; sample < int(rec.NSample); sample++ {
		if n.matchGenotype(fmt, sample, want) == (n.op == tokEq) {
			return true
		}
	}
	return false
}

func (n *cmpNode) matchGenotype(fmt *bcf.FormatField, sample int, want string) bool {
	data := fmt.SampleSlice(sample)
	nAllele, nMissing, nAlt := 0, 0, 0
	first, allEqual := int32(-1), true
	for i := 0; i < fmt.N; i++ {
		value := bcf.IntAt(fmt.Type, data, i)
		if bcf.IsVectorEndInt(fmt.Type, value) {
			break
		}
		allele := value>>1 - 1
		if nAllele == 0 {
			first = allele
		} else if allele != first {
			allEqual = false
		}
		nAllele++
		if allele < 0 {
			nMissing++
		} else if allele > 0 {
			nAlt++
		}
	}
	switch want {
	case "mis":
		return nAllele == 0 || nMissing == nAllele
	case "alt":
		return nAlt > 0
	case "ref":
		return nAllele > 0 && nMissing == 0 && nAlt == 0
	case "hom":
		return nAllele >= 2 && nMissing == 0 && allEqual
	case "het":
		return nAllele >= 2 && nMissing == 0 && !allEqual
	case "hap":
		return nAllele == 1 && nMissing == 0
	default:
		n.scratch = appendGenotype(n.scratch[:0], fmt, data)
		return string(n.scratch) == want
	}
}

func appendGenotype(out []byte, fmt *bcf.FormatField, data []byte) []byte {
	for i := 0; i < fmt.N; i++ {
		value := bcf.IntAt(fmt.Type, data, i)
		if bcf.IsVectorEndInt(fmt.Type, value) {
			break
		}
		if i > 0 {
			if value&1 != 0 {
				out = append(out, '|')
			} else {
				out = append(out, '/')
			}
		}
		if allele := value>>1 - 1; allele < 0 {
			out = append(out, '.')
		} else {
			out = strconv.AppendInt(out, int64(allele), 10)
		}
	}
	return out
}

// existsNode is a bare operand used as a condition: a field that is
// present, a non-zero number, or a non-empty string.
type existsNode struct {
	op  operand
	buf []float64
}

func (n *existsNode) eval(rec *bcf.Record) bool {
	switch n.op.kind {
	case opNum:
		return n.op.num != 0
	case opStr:
		return n.op.str != ""
	case opQual:
		return !rec.QualMissing()
	case opInfo:
		return rec.InfoByKey(n.op.idx) != nil
	default:
		fmt := rec.FmtByKey(n.op.idx)
		if fmt == nil {
			return false
		}
		if fmt.Type == bcf.TypeChar {
			return true
		}
		for sample := 0; sample < int(rec.NSample); sample++ {
			if n.buf = n.op.numbers(rec, sample, n.buf[:0]); len(n.buf) > 0 {
				return true
			}
		}
		return false
	}
}

type token struct {
	kind tokenKind
	text string
	num  float64
}

func isIdentByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' ||
		b == '_' || b == '.' || b == '/'
}

func isNumberStart(s string, i int) bool {
	if s[i] >= '0' && s[i] <= '9' {
		return true
	}
	return (s[i] == '-' || s[i] == '.') && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9'
}

func tokenize(expr string) []token {
	var tokens []token
	for i := 0; i < len(expr); {
		b := expr[i]
		switch {
		case b == ' ' || b == '\t':
			i++
		case b == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case b == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case strings.HasPrefix(expr[i:], "&&"):
			tokens = append(tokens, token{kind: tokAnd})
			i += 2
		case strings.HasPrefix(expr[i:], "||"):
			tokens = append(tokens, token{kind: tokOr})
			i += 2
		case b == '&', b == '|':
			// Single & and | are accepted as synonyms.
			if b == '&' {
				tokens = append(tokens, token{kind: tokAnd})
			} else {
				tokens = append(tokens, token{kind: tokOr})
			}
			i++
		case strings.HasPrefix(expr[i:], "!="):
			tokens = append(tokens, token{kind: tokNe})
			i += 2
		case b == '!':
			tokens = append(tokens, token{kind: tokNot})
			i++
		case strings.HasPrefix(expr[i:], "=="), b == '=':
			tokens = append(tokens, token{kind: tokEq})
			if strings.HasPrefix(expr[i:], "==") {
				i += 2
			} else {
				i++
			}
		case strings.HasPrefix(expr[i:], "<="):
			tokens = append(tokens, token{kind: tokLe})
			i += 2
		case b == '<':
			tokens = append(tokens, token{kind: tokLt})
			i++
		case strings.HasPrefix(expr[i:], ">="):
			tokens = append(tokens, token{kind: tokGe})
			i += 2
		case b == '>':
			tokens = append(tokens, token{kind: tokGt})
			i++
		case b == '"', b == '\'':
			end := strings.IndexByte(expr[i+1:], b)
			if end < 0 {
				log.Panicf("unterminated string in filter expression %v", expr)
			}
			tokens = append(tokens, token{kind: tokString, text: expr[i+1 : i+1+end]})
			i += end + 2
		case isNumberStart(expr, i):
			end := i + 1
			for end < len(expr) {
				c := expr[end]
				if c >= '0' && c <= '9' || c == '.' || c == 'e' || c == 'E' {
					end++
				} else if (c == '-' || c == '+') && (expr[end-1] == 'e' || expr[end-1] == 'E') {
					end++
				} else {
					break
				}
			}
			value, err := strconv.ParseFloat(expr[i:end], 64)
			if err != nil {
				log.Panicf("invalid number %v in filter expression %v", expr[i:end], expr)
			}
			tokens = append(tokens, token{kind: tokNumber, num: value})
			i = end
		case isIdentByte(b):
			end := i + 1
			for end < len(expr) && isIdentByte(expr[end]) {
				end++
			}
			tokens = append(tokens, token{kind: tokIdent, text: expr[i:end]})
			i = end
		default:
			log.Panicf("unexpected character %q in filter expression %v", b, expr)
		}
	}
	return append(tokens, token{kind: tokEOF})
}

type parser struct {
	expr   string
	tokens []token
	pos    int
	hdr    *bcf.Header
}

func (p *parser) peek() tokenKind {
	return p.tokens[p.pos].kind
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) token {
	tok := p.next()
	if tok.kind != kind {
		log.Panicf("unexpected token at position %v in filter expression %v", p.pos, p.expr)
	}
	return tok
}

// resolveIdent turns a field name into an operand against the header
// the filter is compiled for. A name the header does not define is a
// compile error: fields dropped by a tag allow-list cannot be
// filtered on.
func (p *parser) resolveIdent(name string) operand {
	switch {
	case strings.EqualFold(name, "QUAL"):
		return operand{kind: opQual}
	case foldPrefix(name, "INFO/"):
		if idx, ok := p.hdr.InfoIdx(name[5:]); ok {
			return operand{kind: opInfo, idx: idx, str: name}
		}
	case foldPrefix(name, "FMT/"):
		return p.resolveFormat(name[4:])
	case foldPrefix(name, "FORMAT/"):
		return p.resolveFormat(name[7:])
	default:
		if idx, ok := p.hdr.InfoIdx(name); ok {
			return operand{kind: opInfo, idx: idx, str: name}
		}
		if _, ok := p.hdr.FormatIdx(name); ok {
			return p.resolveFormat(name)
		}
	}
	log.Panicf("the field %v in filter expression %v is not defined in the output header", name, p.expr)
	return operand{}
}

func (p *parser) resolveFormat(name string) operand {
	if idx, ok := p.hdr.FormatIdx(name); ok {
		kind := opFmt
		if name == "GT" {
			kind = opGT
		}
		return operand{kind: kind, idx: idx, str: name}
	}
	log.Panicf("the field %v in filter expression %v is not defined in the output header", name, p.expr)
	return operand{}
}

func foldPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func (p *parser) parseOperand() operand {
	switch tok := p.next(); tok.kind {
	case tokNumber:
		return operand{kind: opNum, num: tok.num}
	case tokString:
		return operand{kind: opStr, str: tok.text}
	case tokIdent:
		return p.resolveIdent(tok.text)
	default:
		log.Panicf("expected a value at position %v in filter expression %v", p.pos, p.expr)
		return operand{}
	}
}

func (p *parser) parsePrimary() node {
	switch p.peek() {
	case tokNot:
		p.next()
		return &notNode{sub: p.parsePrimary()}
	case tokLParen:
		p.next()
		sub := p.parseOr()
		p.expect(tokRParen)
		return sub
	}
	lhs := p.parseOperand()
	switch op := p.peek(); op {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		p.next()
		rhs := p.parseOperand()
		if (lhs.kind == opStr || rhs.kind == opStr) && op != tokEq && op != tokNe {
			log.Panicf("strings can only be compared with = and != in filter expression %v", p.expr)
		}
		return &cmpNode{op: op, lhs: lhs, rhs: rhs}
	default:
		return &existsNode{op: lhs}
	}
}

func (p *parser) parseAnd() node {
	left := p.parsePrimary()
	for p.peek() == tokAnd {
		p.next()
		left = &andNode{left: left, right: p.parsePrimary()}
	}
	return left
}

func (p *parser) parseOr() node {
	left := p.parseAnd()
	for p.peek() == tokOr {
		p.next()
		left = &orNode{left: left, right: p.parseAnd()}
	}
	return left
}

// New compiles a filter expression against the given header.
func New(expr string, hdr *bcf.Header) *Filter {
	p := &parser{expr: expr, tokens: tokenize(expr), hdr: hdr}
	root := p.parseOr()
	p.expect(tokEOF)
	return &Filter{root: root}
}
