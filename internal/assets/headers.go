package assets

import (
	"bufio"
	"io"
	"strings"

	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultMaxHeaderRules and DefaultMaxHeaderLineBytes are the
// `_headers` limits from spec.md §4.2.
const (
	DefaultMaxHeaderRules    = 100
	DefaultMaxHeaderLineBytes = 2000
)

// HeaderRule is one `_headers` block: a pattern plus the header
// set/remove operations applied when it matches the resolved path.
type HeaderRule struct {
	Pattern *Pattern
	Set     []headerKV
	Remove  []string
}

type headerKV struct {
	Key   string
	Value string
}

// ParseHeaders parses a `_headers` file body: a pattern line followed
// by indented `Header: value` or `!Header-to-remove` lines, blocks
// separated by blank lines or a new unindented pattern line.
func ParseHeaders(r io.Reader, maxRules, maxLineBytes int) ([]HeaderRule, error) {
	if maxRules <= 0 {
		maxRules = DefaultMaxHeaderRules
	}
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxHeaderLineBytes
	}

	var rules []HeaderRule
	var current *HeaderRule

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > maxLineBytes {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			current = nil
			continue
		}

		indented := line[0] == ' ' || line[0] == '\t'
		if !indented {
			pattern, err := CompilePattern(trimmed)
			if err != nil {
				return nil, err
			}
			if len(rules) >= maxRules {
				return nil, rterr.New(rterr.LimitExceeded, "_headers: more than %d rules", maxRules)
			}
			rules = append(rules, HeaderRule{Pattern: pattern})
			current = &rules[len(rules)-1]
			continue
		}

		if current == nil {
			continue // indented line with no active pattern block
		}
		if strings.HasPrefix(trimmed, "!") {
			current.Remove = append(current.Remove, strings.TrimSpace(trimmed[1:]))
			continue
		}
		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		current.Set = append(current.Set, headerKV{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "_headers: read")
	}
	return rules, nil
}

// ApplyHeaders applies every rule whose pattern matches path, in file
// order, to header (spec.md §4.2: "Apply every rule whose pattern
// matches the resolved request path in file order").
func ApplyHeaders(rules []HeaderRule, path string, set func(key, value string), remove func(key string)) {
	for _, rule := range rules {
		if ok, _, _ := rule.Pattern.Match(path); !ok {
			continue
		}
		for _, kv := range rule.Set {
			set(kv.Key, kv.Value)
		}
		for _, key := range rule.Remove {
			remove(key)
		}
	}
}
