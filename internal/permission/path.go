// Copyright (c) KB Labs, Inc.
// SPDX-License-Identifier: BUSL-1.1

package permission

import (
	"path/filepath"
	"strings"
)

// resolveAgainstCwd turns a cwd-relative pattern/path into an absolute one;
// already-absolute values pass through unchanged.
func resolveAgainstCwd(p, cwd string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(cwd, p))
}

// normalize resolves a plugin-supplied path against cwd and cleans it,
// collapsing any "../" segments (spec §4.1 path normalization rule / §8
// property 2 "no escape").
func normalize(path, cwd string) string {
	return resolveAgainstCwd(path, cwd)
}

// withinPrefix reports whether path lies at or under prefix.
func withinPrefix(path, prefix string) bool {
	prefix = filepath.Clean(prefix)
	path = filepath.Clean(path)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

// hardDenySuffixes are file-name suffixes that are always rejected
// regardless of any allow-list grant (spec §4.1).
var hardDenySuffixes = []string{".pem", ".key", ".secret"}

func isHardDenied(normalizedPath string) bool {
	lower := strings.ToLower(normalizedPath)
	base := strings.ToLower(filepath.Base(normalizedPath))

	for _, seg := range strings.Split(filepath.ToSlash(normalizedPath), "/") {
		if seg == "node_modules" || seg == ".git" || seg == ".ssh" {
			return true
		}
	}
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return true
	}
	if strings.HasPrefix(lower, "/etc/") || strings.HasPrefix(lower, "/usr/") || strings.HasPrefix(lower, "/var/") {
		return true
	}
	if strings.Contains(lower, "credentials") || strings.Contains(lower, "password") {
		return true
	}
	for _, suf := range hardDenySuffixes {
		if strings.HasSuffix(lower, suf) {
			return true
		}
	}
	return false
}
