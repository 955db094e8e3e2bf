package probe

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode"
)

// Filter decides which functions are traced. Glob patterns match the whole
// short function name ("fib", "(*workload).worker"); regular expressions
// match anywhere in the fully qualified name.
type Filter struct {
	includeGlobs []string
	includeRegex []*regexp.Regexp
	excludeGlobs []string
	excludeRegex []*regexp.Regexp
}

// NewFilter compiles include and exclude patterns. A pattern made only of
// identifier characters and the wildcards * and ? is a glob and must match
// the whole short name, so "fib" does not match "fibonacci". Any other
// pattern is also tried as an unanchored regexp against the qualified name.
func NewFilter(includePatterns, excludePatterns []string) (*Filter, error) {
	f := &Filter{}
	var err error
	if f.includeGlobs, f.includeRegex, err = compilePatterns(includePatterns); err != nil {
		return nil, err
	}
	if f.excludeGlobs, f.excludeRegex, err = compilePatterns(excludePatterns); err != nil {
		return nil, err
	}
	return f, nil
}

// Allow reports whether calls to the function named qualified are traced.
func (f *Filter) Allow(qualified string) bool {
	if f == nil {
		return true
	}
	short := shortName(qualified)
	if (len(f.includeGlobs) > 0 || len(f.includeRegex) > 0) && !matches(qualified, short, f.includeGlobs, f.includeRegex) {
		return false
	}
	if matches(qualified, short, f.excludeGlobs, f.excludeRegex) {
		return false
	}
	return true
}

func matches(qualified, short string, globs []string, regexes []*regexp.Regexp) bool {
	for _, pattern := range globs {
		if ok, _ := path.Match(pattern, short); ok {
			return true
		}
	}
	for _, re := range regexes {
		if re.MatchString(qualified) {
			return true
		}
	}
	return false
}

// shortName strips the import path and package from a runtime function
// name: "calltrace/cmd.(*workload).fib" becomes "(*workload).fib".
func shortName(qualified string) string {
	name := qualified
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func compilePatterns(patterns []string) ([]string, []*regexp.Regexp, error) {
	var globs []string
	var regexes []*regexp.Regexp
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		_, globErr := path.Match(pattern, "")
		if globErr == nil {
			globs = append(globs, pattern)
			if isPlainGlob(pattern) {
				continue
			}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			if globErr != nil {
				return nil, nil, fmt.Errorf("invalid function pattern %q: %w", pattern, err)
			}
			continue
		}
		regexes = append(regexes, re)
	}
	return globs, regexes, nil
}

// isPlainGlob reports whether pattern has no regexp syntax beyond * and ?.
func isPlainGlob(pattern string) bool {
	for _, r := range pattern {
		switch {
		case r == '*' || r == '?' || r == '_':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
		default:
			return false
		}
	}
	return true
}
