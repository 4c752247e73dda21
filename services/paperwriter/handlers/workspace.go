// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/paperwriter/services/paperwriter/datatypes"
	"github.com/AleutianAI/paperwriter/services/paperwriter/middleware"
	"github.com/AleutianAI/paperwriter/services/paperwriter/workspace"
	"github.com/gin-gonic/gin"
)

// Client messages for the project and file routes.
const (
	msgProjectNotFound = "项目不存在"
	msgProjectCreate   = "创建项目失败"
	msgProjectClosed   = "项目已关闭"
	msgFileNotFound    = "文件不存在"
	msgFileExists      = "文件已存在"
	msgFileSaved       = "文件保存成功"
	msgCreated         = "创建成功"
	msgDeleted         = "删除成功"
)

// ProjectStopper stops watching a project. *workspace.Watcher implements
// it.
type ProjectStopper interface {
	Stop(projectID string)
}

// WorkspaceHandler serves /api/v1/project and /api/v1/files.
//
// # Thread Safety
//
// Safe for concurrent use.
type WorkspaceHandler struct {
	projects *workspace.Projects
	files    *workspace.Files
	watcher  ProjectStopper
	logger   *slog.Logger
}

// NewWorkspaceHandler creates a WorkspaceHandler. watcher may be nil.
func NewWorkspaceHandler(projects *workspace.Projects, files *workspace.Files, watcher ProjectStopper, logger *slog.Logger) *WorkspaceHandler {
	if projects == nil || files == nil {
		panic("handlers.NewWorkspaceHandler: projects and files must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceHandler{projects: projects, files: files, watcher: watcher, logger: logger}
}

// =============================================================================
// Projects
// =============================================================================

// CreateProject handles POST /api/v1/project/create.
func (h *WorkspaceHandler) CreateProject(c *gin.Context) {
	var req datatypes.CreateProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	logger := middleware.Logger(c, h.logger)

	project, err := h.projects.Create(req.Name, req.Location)
	if err != nil {
		h.fail(c, logger, err, overrides{internal: msgProjectCreate})
		return
	}
	logger.Info("project created", "project_id", project.ProjectID)
	c.JSON(http.StatusOK, project)
}

// OpenProject handles POST /api/v1/project/open.
func (h *WorkspaceHandler) OpenProject(c *gin.Context) {
	var req datatypes.OpenProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	logger := middleware.Logger(c, h.logger)

	v := h.projects.Validate(req.ProjectID)
	if !v.Valid {
		status := http.StatusBadRequest
		if !h.projects.Exists(req.ProjectID) {
			status = http.StatusNotFound
		}
		logger.Info("project rejected", "project_id", req.ProjectID, "reason", v.Error)
		c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Detail: v.Error})
		return
	}

	tree, err := h.projects.Tree(req.ProjectID)
	if err != nil {
		h.fail(c, logger, err, overrides{notFound: msgProjectNotFound})
		return
	}
	c.JSON(http.StatusOK, datatypes.OpenProjectResponse{
		ProjectID: req.ProjectID,
		Structure: tree,
		Path:      v.Path,
	})
}

// ValidateProject handles GET /api/v1/project/validate.
func (h *WorkspaceHandler) ValidateProject(c *gin.Context) {
	var q datatypes.ProjectQuery
	if !bindQuery(c, &q) {
		return
	}
	c.JSON(http.StatusOK, h.projects.Validate(q.ProjectID))
}

// ProjectStructure handles GET /api/v1/project/structure.
func (h *WorkspaceHandler) ProjectStructure(c *gin.Context) {
	var q datatypes.ProjectQuery
	if !bindQuery(c, &q) {
		return
	}
	tree, err := h.projects.Tree(q.ProjectID)
	if err != nil {
		h.fail(c, middleware.Logger(c, h.logger), err, overrides{notFound: msgProjectNotFound})
		return
	}
	c.JSON(http.StatusOK, tree)
}

// CloseProject handles POST /api/v1/project/close. It stops the project's
// file watcher; open sessions are left alone.
func (h *WorkspaceHandler) CloseProject(c *gin.Context) {
	var q datatypes.ProjectQuery
	if !bindQuery(c, &q) {
		return
	}
	if h.watcher != nil {
		h.watcher.Stop(q.ProjectID)
	}
	c.JSON(http.StatusOK, datatypes.MessageResponse{Success: true, Message: msgProjectClosed})
}

// =============================================================================
// Files
// =============================================================================

// ListFiles handles GET /api/v1/files/list.
func (h *WorkspaceHandler) ListFiles(c *gin.Context) {
	var q datatypes.FileListQuery
	if !bindQuery(c, &q) {
		return
	}
	nodes, err := h.files.List(q.ProjectID, q.FolderPath)
	if err != nil {
		h.fail(c, middleware.Logger(c, h.logger), err, overrides{})
		return
	}
	c.JSON(http.StatusOK, datatypes.FilesResponse{Files: nodes})
}

// ReadFile handles POST /api/v1/files/read.
func (h *WorkspaceHandler) ReadFile(c *gin.Context) {
	var req datatypes.FileRequest
	if !bindJSON(c, &req) {
		return
	}
	content, err := h.files.Read(req.ProjectID, req.FilePath)
	if err != nil {
		h.fail(c, middleware.Logger(c, h.logger), err, overrides{notFound: msgFileNotFound})
		return
	}
	c.JSON(http.StatusOK, datatypes.ContentResponse{Success: true, Content: content})
}

// WriteFile handles POST /api/v1/files/write.
func (h *WorkspaceHandler) WriteFile(c *gin.Context) {
	var req datatypes.FileWriteRequest
	if !bindJSON(c, &req) {
		return
	}
	logger := middleware.Logger(c, h.logger)
	if err := h.files.Write(req.ProjectID, req.FilePath, req.Content); err != nil {
		h.fail(c, logger, err, overrides{})
		return
	}
	logger.Debug("file written", "project_id", req.ProjectID, "path", req.FilePath, "bytes", len(req.Content))
	c.JSON(http.StatusOK, datatypes.MessageResponse{Success: true, Message: msgFileSaved})
}

// CreateFile handles POST /api/v1/files/create.
func (h *WorkspaceHandler) CreateFile(c *gin.Context) {
	var req datatypes.FileCreateRequest
	if !bindJSON(c, &req) {
		return
	}
	kind := req.FileType
	if kind == "" {
		kind = workspace.NodeFile
	}
	if err := h.files.Create(req.ProjectID, req.FilePath, req.Content, kind); err != nil {
		h.fail(c, middleware.Logger(c, h.logger), err, overrides{exists: msgFileExists, notFound: msgProjectNotFound})
		return
	}
	c.JSON(http.StatusOK, datatypes.MessageResponse{Success: true, Message: msgCreated})
}

// DeleteFile handles DELETE /api/v1/files/delete.
func (h *WorkspaceHandler) DeleteFile(c *gin.Context) {
	var req datatypes.FileRequest
	if !bindJSON(c, &req) {
		return
	}
	logger := middleware.Logger(c, h.logger)
	if err := h.files.Delete(req.ProjectID, req.FilePath); err != nil {
		h.fail(c, logger, err, overrides{notFound: msgFileNotFound})
		return
	}
	logger.Info("file deleted", "project_id", req.ProjectID, "path", req.FilePath)
	c.JSON(http.StatusOK, datatypes.MessageResponse{Success: true, Message: msgDeleted})
}

// overrides replaces the default detail for some error classes.
type overrides struct {
	notFound string
	exists   string
	internal string
}

func (h *WorkspaceHandler) fail(c *gin.Context, logger *slog.Logger, err error, o overrides) {
	ae := classifyError(err)
	switch {
	case o.notFound != "" && errors.Is(err, workspace.ErrNotFound):
		ae.Detail = o.notFound
	case o.exists != "" && errors.Is(err, workspace.ErrExists):
		ae.Detail = o.exists
	case o.internal != "" && ae.Status == http.StatusInternalServerError:
		ae.Detail = o.internal
	}
	writeError(c, logger, err, ae)
}

// bindQuery decodes and validates the query string, answering 400 on
// failure.
func bindQuery(c *gin.Context, q interface{}) bool {
	if err := c.ShouldBindQuery(q); err != nil {
		respondInvalid(c, err)
		return false
	}
	if err := datatypes.Validate(q); err != nil {
		respondInvalid(c, err)
		return false
	}
	return true
}
