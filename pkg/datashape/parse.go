package datashape

import (
	"errors"
	"fmt"
	"unicode"
)

// ErrSyntax indicates a type descriptor string could not be parsed.
var ErrSyntax = errors.New("datashape syntax error")

// Parse reads a textual type descriptor back into a DataShape. It accepts
// the output of DataShape.String plus the common aliases int (int64) and
// float (float64).
func Parse(s string) (DataShape, error) {
	p := &parser{input: s}
	p.skipSpace()

	ds := DataShape{}
	if p.consumeWord("var") {
		p.skipSpace()
		if !p.consumeByte('*') {
			return DataShape{}, fmt.Errorf("%w: expected '*' after 'var' in %q", ErrSyntax, s)
		}
		ds.Variadic = true
	}

	m, err := p.parseMeasure()
	if err != nil {
		return DataShape{}, err
	}
	ds.Measure = m

	p.skipSpace()
	if p.pos != len(p.input) {
		return DataShape{}, fmt.Errorf("%w: trailing input %q", ErrSyntax, p.input[p.pos:])
	}
	return ds, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *parser) consumeByte(b byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == b {
		p.pos++
		return true
	}
	return false
}

// consumeWord matches a whole identifier, not a prefix, so "var" will not
// swallow the start of a field named "variance".
func (p *parser) consumeWord(w string) bool {
	end := p.pos + len(w)
	if end > len(p.input) || p.input[p.pos:end] != w {
		return false
	}
	if end < len(p.input) && isIdentByte(p.input[end]) {
		return false
	}
	p.pos = end
	return true
}

func (p *parser) parseMeasure() (Measure, error) {
	p.skipSpace()
	if p.consumeWord("var") {
		p.skipSpace()
		if !p.consumeByte('*') {
			return nil, fmt.Errorf("%w: expected '*' after 'var' at offset %d", ErrSyntax, p.pos)
		}
		inner, err := p.parseMeasure()
		if err != nil {
			return nil, err
		}
		return Sequence{Of: inner}, nil
	}
	if p.pos < len(p.input) && p.input[p.pos] == '{' {
		return p.parseRecord()
	}
	word := p.parseIdent()
	if word == "" {
		return nil, fmt.Errorf("%w: expected type at offset %d", ErrSyntax, p.pos)
	}
	kind, ok := kindFromName(word)
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrSyntax, word)
	}
	return Scalar{Kind: kind}, nil
}

func (p *parser) parseRecord() (Measure, error) {
	p.pos++ // '{'
	rec := Record{}
	p.skipSpace()
	if p.consumeByte('}') {
		return rec, nil
	}
	for {
		p.skipSpace()
		name := p.parseIdent()
		if name == "" {
			return nil, fmt.Errorf("%w: expected field name at offset %d", ErrSyntax, p.pos)
		}
		p.skipSpace()
		if !p.consumeByte(':') {
			return nil, fmt.Errorf("%w: expected ':' after field %q", ErrSyntax, name)
		}
		typ, err := p.parseMeasure()
		if err != nil {
			return nil, err
		}
		rec.Names = append(rec.Names, name)
		rec.Types = append(rec.Types, typ)
		p.skipSpace()
		if p.consumeByte('}') {
			return rec, nil
		}
		if !p.consumeByte(',') {
			return nil, fmt.Errorf("%w: expected ',' or '}' at offset %d", ErrSyntax, p.pos)
		}
	}
}

func (p *parser) parseIdent() string {
	start := p.pos
	for p.pos < len(p.input) && isIdentByte(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func isIdentByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func kindFromName(name string) (Kind, bool) {
	switch name {
	case "bool":
		return KindBool, true
	case "int", "int32", "int64":
		return KindInt64, true
	case "float", "float32", "float64", "real":
		return KindFloat64, true
	case "string":
		return KindString, true
	case "datetime":
		return KindDateTime, true
	default:
		return KindInvalid, false
	}
}
