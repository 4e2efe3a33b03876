// Package script parses the declarative anonymization script into a
// tag→operation table, an always-insert tag set, and a named
// parameter table, ready for the transform engine to dispatch against.
package script

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"dicom-anonymizer/internal/derivations"
)

// rawScript is the wire shape: <script><p t="NAME">v</p><e t="GGGGEEEE"
// n="...">op</e>...</script>
type rawScript struct {
	XMLName  xml.Name     `xml:"script"`
	Params   []rawParam   `xml:"p"`
	Elements []rawElement `xml:"e"`
}

type rawParam struct {
	Name  string `xml:"t,attr"`
	Value string `xml:",chardata"`
}

type rawElement struct {
	TagHex string `xml:"t,attr"`
	Name   string `xml:"n,attr"`
	Op     string `xml:",chardata"`
}

// Compiled is the tables the transform engine dispatches against.
type Compiled struct {
	TagKeep      map[tag.Tag]string
	TagAlways    map[tag.Tag]bool
	ScriptParams map[string]string
}

// Parse compiles a script document into its dispatch tables.
func Parse(data []byte) (*Compiled, error) {
	var raw rawScript
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("script: parse: %w", err)
	}

	c := &Compiled{
		TagKeep:      make(map[tag.Tag]string, len(raw.Elements)),
		TagAlways:    make(map[tag.Tag]bool),
		ScriptParams: make(map[string]string, len(raw.Params)),
	}

	for _, p := range raw.Params {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			continue
		}
		c.ScriptParams[name] = strings.TrimSpace(p.Value)
	}

	for _, e := range raw.Elements {
		t, err := ParseTagHex(e.TagHex)
		if err != nil {
			return nil, fmt.Errorf("script: element %q: %w", e.Name, err)
		}
		op := strings.TrimSpace(e.Op)
		c.TagKeep[t] = op
		if strings.Contains(op, "@always") {
			c.TagAlways[t] = true
		}
	}

	return c, nil
}

// ParseTagHex parses an 8-hex-digit GGGGEEEE tag string.
func ParseTagHex(s string) (tag.Tag, error) {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return tag.Tag{}, fmt.Errorf("tag %q: expected 8 hex digits", s)
	}
	group, err := strconv.ParseUint(s[0:4], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("tag %q: bad group: %w", s, err)
	}
	element, err := strconv.ParseUint(s[4:8], 16, 16)
	if err != nil {
		return tag.Tag{}, fmt.Errorf("tag %q: bad element: %w", s, err)
	}
	return tag.Tag{Group: uint16(group), Element: uint16(element)}, nil
}

// Param looks up a script parameter by name, case-insensitively.
func (c *Compiled) Param(name string) (string, bool) {
	v, ok := c.ScriptParams[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// ParamKeyFromOperation extracts the parameter name from an
// "@param(@NAME)" operation string, lower-cased. Returns false if the
// operation does not match that exact shape.
func ParamKeyFromOperation(operation string) (string, bool) {
	op := strings.TrimSpace(operation)
	if !strings.HasPrefix(op, "@param(@") || !strings.HasSuffix(op, ")") {
		return "", false
	}
	inner := op[len("@param(@") : len(op)-1]
	if inner == "" || strings.ContainsAny(inner, "()@") {
		return "", false
	}
	return strings.ToLower(inner), true
}

// OpKind is the tagged operation variant an operation string compiles
// to, replacing repeated substring dispatch at transform time.
type OpKind int

const (
	OpKeep OpKind = iota
	OpEmpty
	OpUID
	OpAccession
	OpHashDate
	OpModifyDate
	OpHashTime
	OpRound
	OpParam
)

// Op is the compiled form of one element's operation string.
type Op struct {
	Kind       OpKind
	RawSpec    string // the full raw operation, used by OpModifyDate
	RoundWidth int
	ParamKey   string
}

// CompileOperation resolves an operation string to its tagged variant
// using the priority-ordered substring dispatch: @empty, uid, acc,
// @hashdate, @modifydate, @hashtime, @round, @param, else keep.
func CompileOperation(raw string) Op {
	op := strings.TrimSpace(raw)
	switch {
	case op == "" || op == "@keep":
		return Op{Kind: OpKeep}
	case strings.Contains(op, "@empty"):
		return Op{Kind: OpEmpty}
	case strings.Contains(op, "uid"):
		return Op{Kind: OpUID}
	case strings.Contains(op, "acc"):
		return Op{Kind: OpAccession}
	case strings.Contains(op, "@hashdate"):
		return Op{Kind: OpHashDate}
	case strings.Contains(op, "@modifydate"):
		return Op{Kind: OpModifyDate, RawSpec: op}
	case strings.Contains(op, "@hashtime"):
		return Op{Kind: OpHashTime}
	case strings.Contains(op, "@round"):
		width, ok := derivations.ExtractFirstDigit(strings.Replace(op, "@round", "", 1))
		if !ok {
			width = 1
		}
		return Op{Kind: OpRound, RoundWidth: width}
	case strings.Contains(op, "@param"):
		key, _ := ParamKeyFromOperation(op)
		return Op{Kind: OpParam, ParamKey: key}
	default:
		return Op{Kind: OpKeep}
	}
}
