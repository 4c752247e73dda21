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
	"github.com/AleutianAI/paperwriter/services/paperwriter/diagnostics"
)

// =============================================================================
// AI Requests
// =============================================================================

// AIRequest is embedded in every AI request.
//
// # Fields
//
//   - ProjectID: Required. The project the request works on.
//   - ContextFiles: Optional. Project-relative paths whose content is
//     prepended to the prompt, at most MaxContextFiles.
//
// Empty primary fields are accepted; the prompt is still well formed.
type AIRequest struct {
	ProjectID    string   `json:"project_id" validate:"required,max=200"`
	ContextFiles []string `json:"context_files,omitempty" validate:"max=10,dive,required,max=1024"`
}

// AnalyzeIdeaRequest is the body of POST /api/v1/ai/analyze-idea.
type AnalyzeIdeaRequest struct {
	AIRequest
	IdeaContent    string `json:"idea_content" validate:"maxbytes"`
	ProjectContext string `json:"project_context" validate:"maxbytes"`
}

// ContinueWritingRequest is the body of POST /api/v1/ai/continue-writing.
type ContinueWritingRequest struct {
	AIRequest
	CurrentContent string `json:"current_content" validate:"maxbytes"`
	FileContext    string `json:"file_context" validate:"maxbytes"`
}

// TextToLatexRequest is the body of POST /api/v1/ai/text-to-latex.
type TextToLatexRequest struct {
	AIRequest
	Text string `json:"text" validate:"maxbytes"`
}

// CheckContentRequest is the body of POST /api/v1/ai/check-content.
// CheckType defaults to "all" in the prompt.
type CheckContentRequest struct {
	AIRequest
	Content   string `json:"content" validate:"maxbytes"`
	CheckType string `json:"check_type" validate:"max=64"`
}

// SearchPapersRequest is the body of POST /api/v1/ai/search-papers.
type SearchPapersRequest struct {
	AIRequest
	Keywords []string `json:"keywords" validate:"required,max=50,dive,max=200"`
	Field    string   `json:"field" validate:"max=200"`
}

// GenerateCodeRequest is the body of POST /api/v1/ai/generate-code.
// Language defaults to python in the prompt.
type GenerateCodeRequest struct {
	AIRequest
	Description string `json:"description" validate:"maxbytes"`
	Language    string `json:"language" validate:"max=64"`
}

// =============================================================================
// AI Responses
// =============================================================================

// ResultResponse carries the text of a sync AI call.
type ResultResponse struct {
	Success bool   `json:"success"`
	Result  string `json:"result"`
}

// DiagnosticsResponse carries the result of check-content.
type DiagnosticsResponse struct {
	Success     bool                     `json:"success"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics"`
}

// NewDiagnosticsResponse wraps d, never encoding it as null.
func NewDiagnosticsResponse(d []diagnostics.Diagnostic) DiagnosticsResponse {
	if d == nil {
		d = []diagnostics.Diagnostic{}
	}
	return DiagnosticsResponse{Success: true, Diagnostics: d}
}
