// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts turns a writing-assistant feature and its payload into the
// system + user Turn sent to the completion backend.
//
// Everything here is pure: no I/O, no state, same input gives the same Turn.
// Payload fields are interpolated as given; an empty field still yields a
// well-formed Turn.
package prompts

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/paperwriter/services/llm"
)

// ErrUnknownFeature is returned by BuildChecked for an unregistered Feature.
var ErrUnknownFeature = errors.New("unknown prompt feature")

// Feature names one assistant capability.
type Feature string

const (
	FeatureAnalyzeIdea     Feature = "analyze_idea"
	FeatureContinueWriting Feature = "continue_writing"
	FeatureCheckContent    Feature = "check_content"
	FeatureSearchPapers    Feature = "search_papers"
	FeatureGenerateCode    Feature = "generate_code"
	FeatureTextToMarkup    Feature = "text_to_latex"
)

// Defaults applied when the optional payload field is empty.
const (
	DefaultCheckType = "all"
	DefaultLanguage  = "python"
)

// Payload carries the caller-supplied fields. Each feature reads only its own.
type Payload struct {
	// FeatureAnalyzeIdea
	Idea           string
	ProjectContext string

	// FeatureContinueWriting
	CurrentContent string
	FileContext    string

	// FeatureCheckContent
	Content   string
	CheckType string

	// FeatureSearchPapers
	Keywords []string
	Field    string

	// FeatureGenerateCode
	Description string
	Language    string

	// FeatureTextToMarkup
	Text string
}

type template struct {
	system func(p Payload) string
	user   func(p Payload) string
}

var templates = map[Feature]template{
	FeatureAnalyzeIdea: {
		system: constant(analyzeIdeaSystem),
		user: func(p Payload) string {
			return fmt.Sprintf("项目上下文：\n%s\n\n研究想法：\n%s\n\n请分析这个研究想法的可行性。", p.ProjectContext, p.Idea)
		},
	},
	FeatureContinueWriting: {
		system: constant(continueWritingSystem),
		user: func(p Payload) string {
			return fmt.Sprintf("文件上下文：%s\n\n当前内容：\n%s\n\n请续写上述内容。", p.FileContext, p.CurrentContent)
		},
	},
	FeatureCheckContent: {
		system: constant(checkContentSystem),
		user: func(p Payload) string {
			return fmt.Sprintf("检查类型：%s\n\n内容：\n%s", orDefault(p.CheckType, DefaultCheckType), p.Content)
		},
	},
	FeatureSearchPapers: {
		system: constant(searchPapersSystem),
		user: func(p Payload) string {
			return fmt.Sprintf("研究领域：%s\n关键词：%s\n\n请推荐相关论文。", p.Field, strings.Join(p.Keywords, ", "))
		},
	},
	FeatureGenerateCode: {
		system: func(p Payload) string {
			return fmt.Sprintf(generateCodeSystem, orDefault(p.Language, DefaultLanguage))
		},
		user: func(p Payload) string {
			return fmt.Sprintf("%s\n\n请生成 %s 代码。", p.Description, orDefault(p.Language, DefaultLanguage))
		},
	},
	FeatureTextToMarkup: {
		system: constant(textToLatexSystem),
		user: func(p Payload) string {
			return "请将以下文本转换为 LaTeX 格式：\n\n" + p.Text
		},
	},
}

// Features lists every registered feature in a stable order.
func Features() []Feature {
	out := make([]Feature, 0, len(templates))
	for f := range templates {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build returns the Turn for feature. It panics on an unknown feature;
// use BuildChecked for values that come from outside the program.
func Build(feature Feature, payload Payload) llm.Turn {
	turn, err := BuildChecked(feature, payload)
	if err != nil {
		panic(err)
	}
	return turn
}

// BuildChecked is Build returning ErrUnknownFeature instead of panicking.
func BuildChecked(feature Feature, payload Payload) (llm.Turn, error) {
	tmpl, ok := templates[feature]
	if !ok {
		return llm.Turn{}, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	return llm.Turn{System: tmpl.system(payload), User: tmpl.user(payload)}, nil
}

// WithContext prefixes the user message with "key: value" lines sorted by
// key. An empty map returns turn unchanged.
func WithContext(turn llm.Turn, context map[string]string) llm.Turn {
	if len(context) == 0 {
		return turn
	}
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("上下文信息：\n")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(context[k])
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(turn.User)

	turn.User = b.String()
	return turn
}

func constant(s string) func(Payload) string {
	return func(Payload) string { return s }
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
