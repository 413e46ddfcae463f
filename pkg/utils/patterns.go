package utils

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// PatternMatcher handles glob pattern matching against slash-separated
// relative paths. A single '*' never crosses a directory separator while
// '**' matches any number of path segments.
type PatternMatcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewPatternMatcher creates a new pattern matcher
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{
		patterns: make([]string, 0, len(patterns)),
		globs:    make([]glob.Glob, 0, len(patterns)),
	}

	for _, raw := range patterns {
		pattern := NormalizePattern(raw)
		if pattern == "" {
			continue
		}
		for _, variant := range globstarVariants(pattern) {
			if err := pm.add(variant); err != nil {
				return nil, err
			}
		}
		pm.patterns = append(pm.patterns, pattern)
	}

	return pm, nil
}

// globstarVariants lets "**/" match zero directories: "**/x" also matches
// "x" and "a/**/x" also matches "a/x"
func globstarVariants(pattern string) []string {
	variants := []string{pattern}
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok && rest != "" {
		variants = append(variants, rest)
	}
	for _, v := range variants {
		if strings.Contains(v, "/**/") {
			variants = append(variants, strings.ReplaceAll(v, "/**/", "/"))
		}
	}
	return variants
}

func (pm *PatternMatcher) add(pattern string) error {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	pm.globs = append(pm.globs, g)
	return nil
}

// Patterns returns the normalized source patterns
func (pm *PatternMatcher) Patterns() []string {
	return append([]string(nil), pm.patterns...)
}

// Match checks if a path matches any pattern
func (pm *PatternMatcher) Match(p string) bool {
	p = NormalizePattern(p)

	for _, g := range pm.globs {
		if g.Match(p) {
			return true
		}
	}

	return false
}

// GetMatchingPaths returns all paths that match any pattern
func (pm *PatternMatcher) GetMatchingPaths(paths []string) []string {
	var matches []string
	for _, p := range paths {
		if pm.Match(p) {
			matches = append(matches, p)
		}
	}
	return matches
}

// IsGlobPattern checks if a string contains glob wildcards
func IsGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// NormalizePattern normalizes a file pattern
func NormalizePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	pattern = strings.TrimPrefix(pattern, "./")
	pattern = strings.TrimSuffix(pattern, "/")
	return pattern
}

// StaticPrefix returns the leading directory of a pattern that contains no
// wildcards, e.g. "assets/styles" for "assets/styles/*.scss".
func StaticPrefix(pattern string) string {
	pattern = NormalizePattern(pattern)

	var static []string
	for _, segment := range strings.Split(pattern, "/") {
		if IsGlobPattern(segment) {
			break
		}
		static = append(static, segment)
	}
	if len(static) == 0 {
		return ""
	}
	if !IsGlobPattern(pattern) {
		// literal file path: its directory is the prefix
		if dir := path.Dir(pattern); dir != "." {
			return dir
		}
		return ""
	}
	return path.Join(static...)
}

// ExclusionMatcher handles exclusion patterns. Patterns are matched against
// every segment of a path, so "node_modules" excludes anything below a
// node_modules directory at any depth.
type ExclusionMatcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewExclusionMatcher creates a new exclusion matcher
func NewExclusionMatcher(patterns []string) (*ExclusionMatcher, error) {
	em := &ExclusionMatcher{patterns: append([]string(nil), patterns...)}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion %q: %w", pattern, err)
		}
		em.globs = append(em.globs, g)
	}
	return em, nil
}

// IsExcluded checks if a path should be excluded
func (em *ExclusionMatcher) IsExcluded(p string) bool {
	for _, segment := range strings.Split(NormalizePattern(p), "/") {
		if segment == "" {
			continue
		}
		for _, g := range em.globs {
			if g.Match(segment) {
				return true
			}
		}
	}
	return false
}

// GetDefaultExclusions returns default exclusion patterns for watching
func GetDefaultExclusions() []string {
	return []string{
		".git",
		".svn",
		".hg",
		".pageforge",
		"node_modules",
		".idea",
		".vscode",
		"*.swp",
		"*.swo",
		"*~",
		".#*",
		"4913",
		".DS_Store",
		"Thumbs.db",
		"*.tmp",
	}
}
