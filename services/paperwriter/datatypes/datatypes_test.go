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
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AIRequests(t *testing.T) {
	t.Parallel()

	base := AIRequest{ProjectID: "project-1"}
	tooMany := make([]string, MaxContextFiles+1)
	for i := range tooMany {
		tooMany[i] = "idea/main_idea.md"
	}

	tests := []struct {
		name    string
		req     interface{}
		wantErr string
	}{
		{"empty idea is fine", &AnalyzeIdeaRequest{AIRequest: base}, ""},
		{"missing project", &AnalyzeIdeaRequest{IdeaContent: "x"}, "project_id: failed required"},
		{"oversized content", &CheckContentRequest{AIRequest: base, Content: strings.Repeat("a", MaxContentBytes+1)}, "content: failed maxbytes"},
		{"context files ok", &ContinueWritingRequest{AIRequest: AIRequest{ProjectID: "p", ContextFiles: []string{"a.md"}}}, ""},
		{"too many context files", &ContinueWritingRequest{AIRequest: AIRequest{ProjectID: "p", ContextFiles: tooMany}}, "context_files: failed max=10"},
		{"blank context file", &TextToLatexRequest{AIRequest: AIRequest{ProjectID: "p", ContextFiles: []string{""}}}, "failed required"},
		{"keywords required", &SearchPapersRequest{AIRequest: base}, "keywords: failed required"},
		{"empty keyword list allowed", &SearchPapersRequest{AIRequest: base, Keywords: []string{}}, ""},
		{"generate code", &GenerateCodeRequest{AIRequest: base, Description: "sort", Language: "go"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, ValidationMessage(err), tt.wantErr)
		})
	}
}

func TestValidate_WorkspaceRequests(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Validate(&CreateProjectRequest{Name: "图神经网络"}))
	assert.Error(t, Validate(&CreateProjectRequest{}))
	assert.Error(t, Validate(&CreateProjectRequest{Name: strings.Repeat("名", 101)}))

	file := FileRequest{ProjectID: "p", FilePath: "idea/main_idea.md"}
	assert.NoError(t, Validate(&FileWriteRequest{FileRequest: file, Encoding: "utf-8"}))
	assert.Error(t, Validate(&FileWriteRequest{FileRequest: file, Encoding: "gbk"}))
	assert.NoError(t, Validate(&FileCreateRequest{FileRequest: file, FileType: "folder"}))
	assert.Error(t, Validate(&FileCreateRequest{FileRequest: file, FileType: "link"}))
	assert.Error(t, Validate(&FileRequest{ProjectID: "p"}))
	assert.Error(t, Validate(&FileListQuery{}))
}

func TestValidationMessage_NonValidationError(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "invalid request body", ValidationMessage(errors.New("EOF")))
}

func TestAIRequest_DecodesFlat(t *testing.T) {
	t.Parallel()

	var req AnalyzeIdeaRequest
	body := `{"project_id":"p1","idea_content":"GNN for proofs","context_files":["idea/main_idea.md"]}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, "p1", req.ProjectID)
	assert.Equal(t, []string{"idea/main_idea.md"}, req.ContextFiles)
	assert.Equal(t, "GNN for proofs", req.IdeaContent)
}

func TestNewDiagnosticsResponse_NeverNull(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(NewDiagnosticsResponse(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"diagnostics":[]}`, string(b))
}
