// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"github.com/AleutianAI/paperwriter/services/paperwriter/workspace"
)

// CreateProjectRequest is the body of POST /api/v1/project/create.
type CreateProjectRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=100"`
	Location string `json:"location,omitempty" validate:"max=4096"`
}

// OpenProjectRequest is the body of POST /api/v1/project/open.
type OpenProjectRequest struct {
	ProjectID string `json:"project_id" validate:"required,max=200"`
}

// OpenProjectResponse answers POST /api/v1/project/open.
type OpenProjectResponse struct {
	ProjectID string                `json:"project_id"`
	Structure *workspace.FolderNode `json:"structure"`
	Path      string                `json:"path"`
}

// FileRequest addresses one path inside a project. It is the body of
// POST /api/v1/files/read and DELETE /api/v1/files/delete.
type FileRequest struct {
	ProjectID string `json:"project_id" validate:"required,max=200"`
	FilePath  string `json:"file_path" validate:"required,max=1024"`
}

// FileWriteRequest is the body of POST /api/v1/files/write. Only UTF-8 is
// supported; Encoding exists for client compatibility.
type FileWriteRequest struct {
	FileRequest
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty" validate:"omitempty,oneof=utf-8 utf8 UTF-8"`
}

// FileCreateRequest is the body of POST /api/v1/files/create. FileType
// defaults to "file".
type FileCreateRequest struct {
	FileRequest
	Content  string `json:"content"`
	FileType string `json:"file_type,omitempty" validate:"omitempty,oneof=file folder"`
}

// FileListQuery binds GET /api/v1/files/list.
type FileListQuery struct {
	ProjectID  string `form:"project_id" json:"project_id" validate:"required,max=200"`
	FolderPath string `form:"folder_path" json:"folder_path" validate:"max=1024"`
}

// ProjectQuery binds project_id from the query string.
type ProjectQuery struct {
	ProjectID string `form:"project_id" json:"project_id" validate:"required,max=200"`
}

// FilesResponse answers GET /api/v1/files/list.
type FilesResponse struct {
	Files []workspace.FileNode `json:"files"`
}

// ContentResponse answers POST /api/v1/files/read.
type ContentResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}
