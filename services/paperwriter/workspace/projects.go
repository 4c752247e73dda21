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
	"time"
	"unicode"
)

// Node types used in FolderNode.Type and FileNode.Type.
const (
	NodeFolder = "folder"
	NodeFile   = "file"
)

// RequiredFolders are the top-level folders every project has.
var RequiredFolders = []string{"idea", "主体", "引用", "代码"}

// seedFiles are written into a new project. Keys are slash-separated
// paths relative to the project root.
var seedFiles = []struct {
	path    string
	content string
}{
	{"idea/main_idea.md", "# 主要创新点\n\n在这里描述你的论文核心创新点..."},
	{"主体/main_content.txt", "在此处撰写论文主体内容..."},
	{"主体/images/.gitkeep", ""},
	{"引用/.gitkeep", ""},
	{"代码/.gitkeep", ""},
}

// FolderNode is one entry of a project tree. Path is slash-separated and
// starts with the project directory name.
type FolderNode struct {
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	Type      string        `json:"type"`
	Extension *string       `json:"extension"`
	Children  []*FolderNode `json:"children"`
}

// ProjectStructure describes a freshly created project.
type ProjectStructure struct {
	ProjectID string      `json:"project_id"`
	Name      string      `json:"name"`
	RootPath  string      `json:"root_path"`
	Structure *FolderNode `json:"structure"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validation is the result of Projects.Validate. Error is set when Valid
// is false; ProjectID and Path otherwise.
type Validation struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Projects creates and inspects projects under a root directory.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent writers to the same project race at
// the filesystem level, as any two editors would.
type Projects struct {
	root string
	now  func() time.Time
}

// NewProjects returns a Projects rooted at root, creating it if needed.
func NewProjects(root string) (*Projects, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("projects root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create projects root: %w", err)
	}
	return &Projects{root: abs, now: time.Now}, nil
}

// Root returns the absolute projects root.
func (p *Projects) Root() string {
	return p.root
}

// Dir returns the directory of project id after validating the ID. It
// does not check that the directory exists.
func (p *Projects) Dir(id string) (string, error) {
	if err := checkProjectID(id); err != nil {
		return "", err
	}
	return filepath.Join(p.root, id), nil
}

// Create makes a new project with the standard layout.
//
// # Description
//
// The project ID is "project-{YYYYmmddHHMMSS}-{safe name}", where the safe
// name keeps letters, digits, spaces, '-' and '_' and turns spaces into
// '-'. The project is created under location when it is non-empty, and
// under the projects root otherwise.
//
// # Outputs
//
//   - *ProjectStructure: The new project's ID, root path and tree.
//   - error: ErrExists if the directory is already present, or an I/O error.
func (p *Projects) Create(name, location string) (*ProjectStructure, error) {
	base := p.root
	if location != "" {
		abs, err := filepath.Abs(location)
		if err != nil {
			return nil, fmt.Errorf("project location %s: %w", location, err)
		}
		base = abs
	}

	now := p.now()
	id := fmt.Sprintf("project-%s-%s", now.Format("20060102150405"), safeName(name))
	dir := filepath.Join(base, id)

	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("project %s: %w", id, ErrExists)
	}
	for _, folder := range RequiredFolders {
		if err := os.MkdirAll(filepath.Join(dir, folder), 0o755); err != nil {
			return nil, fmt.Errorf("create folder %s: %w", folder, err)
		}
	}
	for _, seed := range seedFiles {
		path := filepath.Join(dir, filepath.FromSlash(seed.path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create folder for %s: %w", seed.path, err)
		}
		if err := os.WriteFile(path, []byte(seed.content), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", seed.path, err)
		}
	}

	return &ProjectStructure{
		ProjectID: id,
		Name:      name,
		RootPath:  dir,
		Structure: buildTree(dir, ""),
		CreatedAt: now,
	}, nil
}

// Tree returns the file tree of project id.
//
// Returns ErrNotFound if the project directory does not exist.
func (p *Projects) Tree(id string) (*FolderNode, error) {
	dir, err := p.Dir(id)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return buildTree(dir, ""), nil
}

// Validate reports whether project id exists and has every required
// folder. A malformed ID is reported the same way as a missing project.
func (p *Projects) Validate(id string) Validation {
	dir, err := p.Dir(id)
	if err != nil {
		return Validation{Error: "项目不存在"}
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Validation{Error: "项目不存在"}
	}

	var missing []string
	for _, folder := range RequiredFolders {
		info, err := os.Stat(filepath.Join(dir, folder))
		if err != nil || !info.IsDir() {
			missing = append(missing, folder)
		}
	}
	if len(missing) > 0 {
		return Validation{Error: "缺少目录: " + strings.Join(missing, ", ")}
	}
	return Validation{Valid: true, ProjectID: id, Path: dir}
}

// Exists reports whether project id is a directory under the root.
func (p *Projects) Exists(id string) bool {
	dir, err := p.Dir(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func safeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// buildTree walks path into a FolderNode. parent is the slash path of the
// enclosing node, empty for the root. Unreadable directories yield no
// children.
func buildTree(path, parent string) *FolderNode {
	name := filepath.Base(path)
	rel := name
	if parent != "" {
		rel = parent + "/" + name
	}

	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		ext := filepath.Ext(name)
		return &FolderNode{Name: name, Path: rel, Type: NodeFile, Extension: &ext, Children: []*FolderNode{}}
	}

	node := &FolderNode{Name: name, Path: rel, Type: NodeFolder, Children: []*FolderNode{}}
	// ReadDir returns entries sorted by name.
	entries, err := os.ReadDir(path)
	if err != nil {
		return node
	}
	for _, e := range entries {
		if hidden(e.Name()) {
			continue
		}
		node.Children = append(node.Children, buildTree(filepath.Join(path, e.Name()), rel))
	}
	return node
}

// notExist maps a stat error to ErrNotFound where it applies.
func notExist(err error, rel string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", rel, ErrNotFound)
	}
	return fmt.Errorf("stat %s: %w", rel, err)
}
