package assets

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/aristath/workerbench/internal/rterr"
)

// DefaultMaxStaticRedirects and DefaultMaxDynamicRedirects are the
// `_redirects` rule-count limits from spec.md §4.2.
const (
	DefaultMaxStaticRedirects  = 2000
	DefaultMaxDynamicRedirects = 100
)

var validRedirectStatuses = map[int]bool{
	301: true, 302: true, 303: true, 307: true, 308: true, 200: true,
}

// RedirectRule is one parsed `_redirects` line.
type RedirectRule struct {
	From    *Pattern
	To      string
	Status  int
	Dynamic bool // contains a splat or named placeholder
}

// ParseRedirects parses a `_redirects` file body. Each non-blank,
// non-comment line is `<from> <to> [status]`; default status 302.
// Enforces maxStatic/maxDynamic rule-count limits (0 means use the
// package defaults).
func ParseRedirects(r io.Reader, maxStatic, maxDynamic int) ([]RedirectRule, error) {
	if maxStatic <= 0 {
		maxStatic = DefaultMaxStaticRedirects
	}
	if maxDynamic <= 0 {
		maxDynamic = DefaultMaxDynamicRedirects
	}

	var rules []RedirectRule
	var staticCount, dynamicCount int

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue // unknown/malformed lines are silently skipped
		}

		from, to := fields[0], fields[1]
		status := 302
		if len(fields) >= 3 {
			s, err := strconv.Atoi(fields[2])
			if err == nil && validRedirectStatuses[s] {
				status = s
			}
		}

		pattern, err := CompilePattern(from)
		if err != nil {
			return nil, err
		}

		dynamic := pattern.splat || strings.Contains(from, ":")
		if dynamic {
			dynamicCount++
			if dynamicCount > maxDynamic {
				return nil, rterr.New(rterr.LimitExceeded, "_redirects: more than %d dynamic rules", maxDynamic)
			}
		} else {
			staticCount++
			if staticCount > maxStatic {
				return nil, rterr.New(rterr.LimitExceeded, "_redirects: more than %d static rules", maxStatic)
			}
		}

		rules = append(rules, RedirectRule{From: pattern, To: to, Status: status, Dynamic: dynamic})
	}
	if err := scanner.Err(); err != nil {
		return nil, rterr.Wrap(rterr.Internal, err, "_redirects: read")
	}
	return rules, nil
}

// matchRedirect returns the first rule (in file order) matching path,
// and its expanded target — spec.md §4.2: "first matching rule wins".
func matchRedirect(rules []RedirectRule, path string) (*RedirectRule, string, bool) {
	for i := range rules {
		rule := &rules[i]
		if ok, named, splat := rule.From.Match(path); ok {
			return rule, Expand(rule.To, named, splat), true
		}
	}
	return nil, "", false
}
