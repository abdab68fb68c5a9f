package classpool

import (
	"fmt"
	"regexp"
	"strings"
)

// NameFilter matches class names against a comma separated list of
// ProGuard-style patterns. "?" matches one character other than '/', "*"
// any run of them, and "**" any run including '/'. A leading "!" negates a
// pattern. The first matching pattern decides; a name no pattern matches is
// accepted only when the last pattern is negated. An empty filter accepts
// every name.
type NameFilter struct {
	patterns []namePattern
}

type namePattern struct {
	negated bool
	re      *regexp.Regexp
}

// ParseNameFilter compiles a filter. Class names may use '.' or '/' as the
// package separator.
func ParseNameFilter(filter string) (*NameFilter, error) {
	f := &NameFilter{}
	for _, raw := range strings.Split(filter, ",") {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		var np namePattern
		if strings.HasPrefix(p, "!") {
			np.negated = true
			p = p[1:]
		}
		re, err := regexp.Compile("^" + patternRegexp(strings.ReplaceAll(p, ".", "/")) + "$")
		if err != nil {
			return nil, fmt.Errorf("filter pattern %q: %w", raw, err)
		}
		np.re = re
		f.patterns = append(f.patterns, np)
	}
	return f, nil
}

func patternRegexp(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		switch c := p[i]; {
		case c == '*' && i+1 < len(p) && p[i+1] == '*':
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

// Accepts reports whether the class name passes the filter.
func (f *NameFilter) Accepts(name string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	name = strings.ReplaceAll(name, ".", "/")
	for _, p := range f.patterns {
		if p.re.MatchString(name) {
			return !p.negated
		}
	}
	return f.patterns[len(f.patterns)-1].negated
}
