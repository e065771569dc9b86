package assets

import (
	"strings"

	"github.com/aristath/workerbench/internal/rterr"
)

// segmentKind is one path-segment matcher inside a compiled Pattern.
type segmentKind int

const (
	segLiteral segmentKind = iota
	segNamed               // :name
	segSplat               // * — always the final segment
)

type segment struct {
	kind    segmentKind
	literal string // segLiteral
	name    string // segNamed
}

// Pattern is a compiled `_redirects`/`_headers` path pattern: literal
// segments, `:name` single-segment placeholders, and a trailing `*`
// splat capturing the remainder (spec.md §4.2).
type Pattern struct {
	raw      string
	segments []segment
	splat    bool
}

var specialChars = ".+?^$()[]{}|\\"

// CompilePattern parses raw into a Pattern. An unescaped regex
// metacharacter in a literal segment is a compile error (spec.md §4.2:
// "fails with InvalidConfig if a literal regex metacharacter is reached
// with no escape"); rterr.InvalidInput is used since this runtime's
// error taxonomy has no distinct config kind.
func CompilePattern(raw string) (*Pattern, error) {
	p := &Pattern{raw: raw}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, rterr.New(rterr.InvalidInput, "pattern %q: splat must be the final segment", raw)
			}
			p.segments = append(p.segments, segment{kind: segSplat})
			p.splat = true
		case strings.HasPrefix(part, ":") && len(part) > 1:
			p.segments = append(p.segments, segment{kind: segNamed, name: part[1:]})
		default:
			lit, err := unescapeLiteral(raw, part)
			if err != nil {
				return nil, err
			}
			p.segments = append(p.segments, segment{kind: segLiteral, literal: lit})
		}
	}
	return p, nil
}

func unescapeLiteral(raw, part string) (string, error) {
	var b strings.Builder
	runes := []rune(part)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '\\' {
			if i+1 >= len(runes) {
				return "", rterr.New(rterr.InvalidInput, "pattern %q: trailing escape", raw)
			}
			b.WriteRune(runes[i+1])
			i++
			continue
		}
		if strings.ContainsRune(specialChars, c) {
			return "", rterr.New(rterr.InvalidInput, "pattern %q: unescaped metacharacter %q", raw, c)
		}
		b.WriteRune(c)
	}
	return b.String(), nil
}

// Match reports whether path satisfies p, returning named-segment
// captures and the splat capture (empty if the pattern has none).
func (p *Pattern) Match(path string) (ok bool, named map[string]string, splat string) {
	reqParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(reqParts) == 1 && reqParts[0] == "" {
		reqParts = nil
	}

	named = make(map[string]string)
	for i, seg := range p.segments {
		if seg.kind == segSplat {
			if i >= len(reqParts) {
				return false, nil, ""
			}
			splat = strings.Join(reqParts[i:], "/")
			return true, named, splat
		}
		if i >= len(reqParts) {
			return false, nil, ""
		}
		switch seg.kind {
		case segLiteral:
			if reqParts[i] != seg.literal {
				return false, nil, ""
			}
		case segNamed:
			named[seg.name] = reqParts[i]
		}
	}
	if len(reqParts) != len(p.segments) {
		return false, nil, ""
	}
	return true, named, ""
}

// Expand substitutes named captures and the splat capture into target,
// the way a redirect rule's destination references them (`:name`,
// `:splat` for the wildcard remainder — the common `_redirects`
// convention this parser follows since spec.md §4.2 does not spell out
// the substitution token for splat explicitly).
func Expand(target string, named map[string]string, splat string) string {
	out := target
	out = strings.ReplaceAll(out, ":splat", splat)
	for name, value := range named {
		out = strings.ReplaceAll(out, ":"+name, value)
	}
	return out
}
