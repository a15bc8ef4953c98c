// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package names validates the identifiers that callers hand to mondo:
// database names, collection names and document field paths. Every
// identifier that ends up in a filesystem path or a generated SQL
// statement must pass through here first.
package names

import (
	"strings"

	"github.com/juju/errors"
)

const maxNameLength = 255

// systemCollections is the exact allow-list of "system." collection
// names that clients may address.
var systemCollections = map[string]bool{
	"system.users":      true,
	"system.indexes":    true,
	"system.namespaces": true,
}

// ValidateDatabaseName checks that name is safe to use as a database
// identifier and, by extension, as a file name inside the data
// directory. It returns a NotValid error otherwise.
func ValidateDatabaseName(name string) error {
	if name == "" {
		return errors.NotValidf("empty database name")
	}
	if len(name) > maxNameLength {
		return errors.NotValidf("database name longer than %d characters", maxNameLength)
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return errors.NotValidf("database name %q", name)
	}
	if name[0] == '.' {
		return errors.NotValidf("database name %q", name)
	}
	for _, r := range name {
		if !isWordChar(r) && r != '-' {
			return errors.NotValidf("database name %q", name)
		}
	}
	return nil
}

// ValidateCollectionName checks that name is a legal collection
// identifier. Names under the reserved "system." prefix are rejected
// unless they appear in the exact allow-list.
func ValidateCollectionName(name string) error {
	if name == "" {
		return errors.NotValidf("empty collection name")
	}
	if len(name) > maxNameLength {
		return errors.NotValidf("collection name longer than %d characters", maxNameLength)
	}
	if strings.ContainsRune(name, '\x00') {
		return errors.NotValidf("collection name %q", name)
	}
	if strings.HasPrefix(name, "system.") && !systemCollections[name] {
		return errors.NotValidf("reserved collection name %q", name)
	}
	first := rune(name[0])
	if !isAlpha(first) && first != '_' {
		return errors.NotValidf("collection name %q", name)
	}
	for _, r := range name[1:] {
		if !isWordChar(r) && r != '.' && r != '-' {
			return errors.NotValidf("collection name %q", name)
		}
	}
	return nil
}

// ValidateFieldPath checks that path is a dotted document field path
// containing only letters, digits, underscores and single internal
// dots. This is the grammar the SQL generator relies on: a validated
// path can be rendered into a JSON-path literal without escaping.
func ValidateFieldPath(path string) error {
	if path == "" {
		return errors.NotValidf("empty field path")
	}
	if path[0] == '.' || path[len(path)-1] == '.' || strings.Contains(path, "..") {
		return errors.NotValidf("field path %q", path)
	}
	for _, r := range path {
		if !isWordChar(r) && r != '.' {
			return errors.NotValidf("field path %q", path)
		}
	}
	return nil
}

// JSONPath renders a validated field path as a SQLite JSON-path
// literal, e.g. "a.b" -> "$.a.b". It must only be called with a path
// that ValidateFieldPath accepted.
func JSONPath(path string) string {
	return "$." + path
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isWordChar(r rune) bool {
	return isAlpha(r) || (r >= '0' && r <= '9') || r == '_'
}
