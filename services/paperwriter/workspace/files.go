// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileNode is one entry returned by Files.List. Path is slash-separated
// and relative to the project root. Extension is nil for folders.
type FileNode struct {
	Name      string  `json:"name"`
	Path      string  `json:"path"`
	Type      string  `json:"type"`
	Extension *string `json:"extension"`
}

// Files reads and writes files inside projects.
//
// # Description
//
// All paths are relative to a project root and are confined to it. Reads
// and writes above maxSize bytes fail with ErrTooLarge. When the allowed
// extension list is non-empty, Write and Create only accept files whose
// extension is on it; dotfiles such as .gitkeep are exempt.
//
// # Thread Safety
//
// Safe for concurrent use.
type Files struct {
	projects *Projects
	maxSize  int64
	allowed  map[string]struct{}
}

// NewFiles returns a Files over projects. maxSize <= 0 disables the size
// limit. allowedExts entries are matched case-insensitively and must
// include the leading dot.
func NewFiles(projects *Projects, maxSize int64, allowedExts []string) *Files {
	if projects == nil {
		panic("workspace.NewFiles: projects must not be nil")
	}
	f := &Files{projects: projects, maxSize: maxSize}
	if len(allowedExts) > 0 {
		f.allowed = make(map[string]struct{}, len(allowedExts))
		for _, ext := range allowedExts {
			f.allowed[strings.ToLower(ext)] = struct{}{}
		}
	}
	return f
}

// projectDir returns the directory of an existing project.
func (f *Files) projectDir(projectID string) (string, error) {
	dir, err := f.projects.Dir(projectID)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return dir, nil
}

// path resolves rel inside project projectID.
func (f *Files) path(projectID, rel string) (string, string, error) {
	dir, err := f.projectDir(projectID)
	if err != nil {
		return "", "", err
	}
	p, err := resolve(dir, rel)
	if err != nil {
		return "", "", err
	}
	return dir, p, nil
}

// Read returns the content of file rel in project projectID.
func (f *Files) Read(projectID, rel string) (string, error) {
	_, p, err := f.path(projectID, rel)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", notExist(err, rel)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", rel, ErrNotAFile)
	}
	if f.maxSize > 0 && info.Size() > f.maxSize {
		return "", fmt.Errorf("%s is %d bytes: %w", rel, info.Size(), ErrTooLarge)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return string(b), nil
}

// Write replaces the content of file rel, creating it and any missing
// parent folders.
func (f *Files) Write(projectID, rel, content string) error {
	dir, p, err := f.path(projectID, rel)
	if err != nil {
		return err
	}
	if p == dir {
		return fmt.Errorf("%s: %w", rel, ErrNotAFile)
	}
	if err := f.checkWritable(p, rel, content); err != nil {
		return err
	}
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return fmt.Errorf("%s: %w", rel, ErrNotAFile)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// Create makes a new file with content, or a new folder when kind is
// NodeFolder. An empty kind means NodeFile. Returns ErrExists if rel is
// taken.
func (f *Files) Create(projectID, rel, content, kind string) error {
	dir, p, err := f.path(projectID, rel)
	if err != nil {
		return err
	}
	if p == dir {
		return fmt.Errorf("%s: %w", rel, ErrExists)
	}
	if _, err := os.Lstat(p); err == nil {
		return fmt.Errorf("%s: %w", rel, ErrExists)
	}

	switch kind {
	case NodeFolder:
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create folder %s: %w", rel, err)
		}
		return nil
	case "", NodeFile:
	default:
		return fmt.Errorf("unknown node type %q", kind)
	}

	if err := f.checkWritable(p, rel, content); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", rel, err)
	}
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", rel, ErrExists)
		}
		return fmt.Errorf("create %s: %w", rel, err)
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return file.Close()
}

// Delete removes file rel, or folder rel with everything below it. The
// project root itself cannot be deleted this way.
func (f *Files) Delete(projectID, rel string) error {
	dir, p, err := f.path(projectID, rel)
	if err != nil {
		return err
	}
	if p == dir {
		return fmt.Errorf("%w: refusing to delete project root", ErrPathEscape)
	}
	info, err := os.Lstat(p)
	if err != nil {
		return notExist(err, rel)
	}
	if info.IsDir() {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return nil
}

// List returns the visible entries of folder, sorted by name. An empty
// folder means the project root.
func (f *Files) List(projectID, folder string) ([]FileNode, error) {
	dir, p, err := f.path(projectID, folder)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, notExist(err, folder)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", folder, ErrNotADir)
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}
	nodes := make([]FileNode, 0, len(entries))
	for _, e := range entries {
		if hidden(e.Name()) {
			continue
		}
		full := filepath.Join(p, e.Name())
		rel, err := filepath.Rel(dir, full)
		if err != nil {
			continue
		}
		node := FileNode{Name: e.Name(), Path: filepath.ToSlash(rel), Type: NodeFolder}
		if !e.IsDir() {
			ext := filepath.Ext(e.Name())
			node.Type = NodeFile
			node.Extension = &ext
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (f *Files) checkWritable(p, rel, content string) error {
	if f.maxSize > 0 && int64(len(content)) > f.maxSize {
		return fmt.Errorf("%s is %d bytes: %w", rel, len(content), ErrTooLarge)
	}
	if f.allowed == nil {
		return nil
	}
	name := filepath.Base(p)
	if hidden(name) {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := f.allowed[ext]; !ok {
		return fmt.Errorf("%s: %w", rel, ErrExtensionNotAllowed)
	}
	return nil
}
