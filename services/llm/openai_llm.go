// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// DashScopeCompatibleBaseURL is the OpenAI-compatible endpoint of DashScope.
const DashScopeCompatibleBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

// OpenAIBackend talks to any OpenAI-compatible chat completion endpoint.
//
// The API key stays sealed in a Credential. A go-openai client is built per
// call and keeps its copy of the key only for that request.
type OpenAIBackend struct {
	cred       *Credential
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIBackend creates a backend for baseURL. An empty baseURL uses
// DashScopeCompatibleBaseURL; a nil httpClient uses http.DefaultClient.
func NewOpenAIBackend(cred *Credential, baseURL string, httpClient *http.Client) *OpenAIBackend {
	if baseURL == "" {
		baseURL = DashScopeCompatibleBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIBackend{cred: cred, baseURL: baseURL, httpClient: httpClient}
}

func (b *OpenAIBackend) newClient() (*openai.Client, error) {
	var client *openai.Client
	err := b.cred.Use(func(key string) error {
		cfg := openai.DefaultConfig(key)
		cfg.BaseURL = b.baseURL
		cfg.HTTPClient = b.httpClient
		client = openai.NewClientWithConfig(cfg)
		return nil
	})
	return client, err
}

// Complete implements Backend.
func (b *OpenAIBackend) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	client, err := b.newClient()
	if err != nil {
		return "", err
	}

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		slog.Warn("Completion backend returned no choices", "model", model)
		return "", &UpstreamError{Message: "no choices returned"}
	}
	slog.Debug("Received completion", "model", model, "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// Stream implements Backend.
func (b *OpenAIBackend) Stream(ctx context.Context, model string, messages []Message) (DeltaSource, error) {
	client, err := b.newClient()
	if err != nil {
		return nil, err
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	return &openAIDeltaSource{stream: stream}, nil
}

type openAIDeltaSource struct {
	stream *openai.ChatCompletionStream
}

// Recv skips chunks that carry no content (role headers, usage trailers).
func (s *openAIDeltaSource) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *openAIDeltaSource) Close() error {
	return s.stream.Close()
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

var _ Backend = (*OpenAIBackend)(nil)
