// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/AleutianAI/paperwriter/services/paperwriter/handlers"
	"github.com/gin-gonic/gin"
)

// Handlers bundles everything SetupRoutes mounts.
type Handlers struct {
	AI        *handlers.AIHandler
	Sessions  *handlers.SessionHandler
	Workspace *handlers.WorkspaceHandler

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	Version string
}

// SetupRoutes registers every route on router.
func SetupRoutes(router *gin.Engine, h Handlers) {
	router.GET("/", handlers.Root(h.Version))
	if h.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.Metrics))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", handlers.Health(h.Version))
		v1.GET("/stream", h.Sessions.HandleStream)

		ai := v1.Group("/ai")
		{
			ai.POST("/analyze-idea", h.AI.AnalyzeIdea)
			ai.POST("/continue-writing", h.AI.ContinueWriting)
			ai.POST("/check-content", h.AI.CheckContent)
			ai.POST("/text-to-latex", h.AI.TextToLatex)
			ai.POST("/search-papers", h.AI.SearchPapers)
			ai.POST("/generate-code", h.AI.GenerateCode)
		}

		project := v1.Group("/project")
		{
			project.POST("/create", h.Workspace.CreateProject)
			project.POST("/open", h.Workspace.OpenProject)
			project.GET("/validate", h.Workspace.ValidateProject)
			project.GET("/structure", h.Workspace.ProjectStructure)
			project.POST("/close", h.Workspace.CloseProject)
		}

		files := v1.Group("/files")
		{
			files.GET("/list", h.Workspace.ListFiles)
			files.POST("/read", h.Workspace.ReadFile)
			files.POST("/write", h.Workspace.WriteFile)
			files.POST("/create", h.Workspace.CreateFile)
			files.DELETE("/delete", h.Workspace.DeleteFile)
		}
	}
}
