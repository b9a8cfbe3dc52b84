package snapshot

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
)

// rule is one gitignore-style pattern. Each rule has its own matcher so the
// deciding pattern, and with it the specificity, is known.
type rule struct {
	pattern     string
	negated     bool
	dirOnly     bool
	matchAll    bool
	specificity int
	matcher     *patternmatcher.PatternMatcher
}

// newRule compiles pattern relative to base, a slash path relative to the
// capture root ("" for the root itself). Bare names match at any depth below
// base; a leading slash anchors the pattern at base and a trailing slash
// restricts it to directories.
func newRule(pattern, base string) (*rule, error) {
	r := &rule{}
	p := strings.TrimSpace(pattern)
	if strings.HasPrefix(p, "!") {
		r.negated = true
		p = strings.TrimSpace(p[1:])
	}
	anchored := strings.HasPrefix(p, "/")
	r.dirOnly = len(p) > 1 && strings.HasSuffix(p, "/")
	p = strings.Trim(p, "/")
	if p == "" || p == "." || p == "**" {
		if base == "" {
			r.matchAll = true
			r.pattern = "."
			return r, nil
		}
		p = "**"
	}
	if !anchored && !strings.Contains(p, "/") {
		p = "**/" + p
	}
	if base != "" {
		p = base + "/" + p
	}
	p = path.Clean(p)

	for _, seg := range strings.Split(p, "/") {
		if seg != "**" {
			r.specificity++
		}
	}
	m, err := patternmatcher.New([]string{p})
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	r.pattern, r.matcher = p, m
	return r, nil
}

// match reports whether rel, or one of its parent directories, matches.
func (r *rule) match(rel string, dir bool) bool {
	if r.matchAll {
		return true
	}
	if r.dirOnly && !dir {
		if rel = path.Dir(rel); rel == "." {
			return false
		}
	}
	ok, err := r.matcher.MatchesOrParentMatches(rel)
	return err == nil && ok
}

// beneath reports whether the rule could match a path below dir.
func (r *rule) beneath(dir string) bool {
	if r.matchAll {
		return true
	}
	pattern := strings.Split(r.pattern, "/")
	segments := strings.Split(dir, "/")
	for i, seg := range segments {
		if i >= len(pattern) {
			return false
		}
		if pattern[i] == "**" {
			return true
		}
		if ok, err := path.Match(pattern[i], seg); err != nil || !ok {
			return false
		}
	}
	return len(pattern) > len(segments)
}

// ruleList evaluates patterns in order; the last matching pattern decides.
type ruleList []*rule

// decide returns whether rel is selected and the specificity of the
// deciding pattern.
func (l ruleList) decide(rel string, dir bool) (bool, int) {
	matched, specificity := false, 0
	for _, r := range l {
		if r.match(rel, dir) {
			matched, specificity = !r.negated, r.specificity
		}
	}
	return matched, specificity
}

// Filter selects the paths a capture admits. A path is admitted when an
// include pattern selects it and no exclude pattern of equal or greater
// specificity deselects it.
type Filter struct {
	include ruleList
	exclude ruleList
}

// NewFilter compiles include and exclude patterns. An empty include list
// admits everything.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	if len(include) == 0 {
		include = []string{"."}
	}
	for _, p := range include {
		r, err := newRule(p, "")
		if err != nil {
			return nil, err
		}
		f.include = append(f.include, r)
	}
	if err := f.AddExcludes(exclude, ""); err != nil {
		return nil, err
	}
	return f, nil
}

// AddExcludes appends exclude patterns read from an ignore file located in
// dir, a slash path relative to the capture root.
func (f *Filter) AddExcludes(patterns []string, dir string) error {
	if dir == "." {
		dir = ""
	}
	for _, p := range patterns {
		r, err := newRule(p, dir)
		if err != nil {
			return err
		}
		f.exclude = append(f.exclude, r)
	}
	return nil
}

// Admit reports whether rel, a slash path relative to the capture root, is
// captured. dir tells directory-only patterns whether rel is a directory.
func (f *Filter) Admit(rel string, dir bool) bool {
	included, incSpec := f.include.decide(rel, dir)
	if !included {
		return false
	}
	excluded, excSpec := f.exclude.decide(rel, dir)
	return !excluded || excSpec < incSpec
}

// Descend reports whether the walk must enter directory rel. Directories
// are skipped only when nothing beneath them can be admitted.
func (f *Filter) Descend(rel string) bool {
	if f.Admit(rel, true) {
		return true
	}
	for _, r := range f.exclude {
		if r.negated {
			return true
		}
	}
	// Below an excluded directory only a more specific include can win.
	excluded, excSpec := f.exclude.decide(rel, true)
	for _, r := range f.include {
		if r.negated || !r.beneath(rel) {
			continue
		}
		if !excluded || r.specificity > excSpec {
			return true
		}
	}
	return false
}

// ReadIgnoreFile parses a gitignore file into patterns for AddExcludes.
// ignorefile.ReadAll cleans each pattern but drops the leading and trailing
// slashes, so the anchor and the directory-only mark are read back from the
// raw lines.
func ReadIgnoreFile(data []byte) ([]string, error) {
	patterns, err := ignorefile.ReadAll(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xEF\xBB\xBF"))
	i := 0
	for _, line := range strings.Split(string(data), "\n") {
		if i >= len(patterns) {
			break
		}
		// same skips as ReadAll, so raw lines and patterns stay aligned
		if strings.HasPrefix(line, "#") {
			continue
		}
		raw := strings.TrimSpace(line)
		if raw == "" {
			continue
		}
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "!"))

		p, negated := strings.CutPrefix(patterns[i], "!")
		if strings.HasPrefix(raw, "/") && !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if len(raw) > 1 && strings.HasSuffix(raw, "/") {
			p += "/"
		}
		if negated {
			p = "!" + p
		}
		patterns[i] = p
		i++
	}
	return patterns, nil
}
