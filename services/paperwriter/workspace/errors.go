// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace manages paper projects on the local filesystem: creating
// the standard project layout, reading and writing project files, and
// watching open projects for changes.
//
// # Security
//
// Every caller-supplied path is resolved against its project root and
// rejected with ErrPathEscape when it would leave it. Project IDs are
// single path elements; anything else is ErrInvalidProject.
package workspace

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Sentinel errors for workspace operations.
var (
	// ErrNotFound is returned when a project, file or folder does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned by Create when the target path is taken.
	ErrExists = errors.New("already exists")

	// ErrPathEscape is returned when a path resolves outside the project root.
	ErrPathEscape = errors.New("path escapes project root")

	// ErrNotAFile is returned when a file operation targets a directory.
	ErrNotAFile = errors.New("not a file")

	// ErrNotADir is returned when List targets a file.
	ErrNotADir = errors.New("not a directory")

	// ErrInvalidProject is returned for malformed project IDs and for
	// projects missing required folders.
	ErrInvalidProject = errors.New("invalid project")

	// ErrTooLarge is returned by Read and Write above the size limit.
	ErrTooLarge = errors.New("file too large")

	// ErrExtensionNotAllowed is returned by Write and Create for file types
	// outside the allowed list.
	ErrExtensionNotAllowed = errors.New("file extension not allowed")
)

// resolve joins rel onto root and returns the absolute result.
//
// Absolute rel values are treated as relative to root. Returns
// ErrPathEscape if the cleaned result is not root or below it.
func resolve(root, rel string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", root, err)
	}

	joined := filepath.Clean(filepath.Join(absRoot, filepath.FromSlash(rel)))
	r, err := filepath.Rel(absRoot, joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return joined, nil
}

// checkProjectID rejects IDs that are empty, hidden or not a single path
// element.
func checkProjectID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidProject, id)
	}
	return nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
