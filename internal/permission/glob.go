// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package permission

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// patternCache memoizes pattern -> compiled regexp, keyed by the raw
// pattern string, per the design note in spec §9 ("compile once at C1
// construction; cache keyed by raw pattern string").
type patternCache struct {
	cache *lru.Cache[string, *regexp.Regexp]
}

func newPatternCache(size int) *patternCache {
	c, err := lru.New[string, *regexp.Regexp](size)
	if err != nil {
		// size <= 0 is a programmer error; fall back to a sane default
		// rather than panicking in production code paths.
		c, _ = lru.New[string, *regexp.Regexp](256)
	}
	return &patternCache{cache: c}
}

// hasGlobChars reports whether a pattern needs regexp compilation at all
// ("a pattern without */? acts as a prefix", spec §4.1).
func hasGlobChars(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// compile turns a fs glob pattern into an anchored regular expression:
// "*" => "[^/]*", "**" => ".*", "?" => ".". Everything else is escaped
// literally. Results are memoized by raw pattern string.
func (c *patternCache) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := c.cache.Get(pattern); ok {
		return re, nil
	}
	re, err := compileGlobPattern(pattern)
	if err != nil {
		return nil, err
	}
	c.cache.Add(pattern, re)
	return re, nil
}

func compileGlobPattern(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); {
		c := pattern[i]
		switch {
		case c == '*' && i+1 < len(pattern) && pattern[i+1] == '*':
			sb.WriteString(".*")
			i += 2
		case c == '*':
			sb.WriteString("[^/]*")
			i++
		case c == '?':
			sb.WriteString(".")
			i++
		default:
			sb.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}

// matchFSPattern reports whether normalizedPath matches pattern, resolving
// the prefix-vs-regexp distinction and resolving relative patterns against
// cwd first.
func (c *patternCache) matchFSPattern(pattern, cwd, normalizedPath string) (bool, error) {
	resolved := resolveAgainstCwd(pattern, cwd)
	if !hasGlobChars(resolved) {
		return strings.HasPrefix(normalizedPath, resolved), nil
	}
	re, err := c.compile(resolved)
	if err != nil {
		return false, err
	}
	return re.MatchString(normalizedPath), nil
}
