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
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/paperwriter/services/llm"
	"github.com/AleutianAI/paperwriter/services/paperwriter/datatypes"
	"github.com/AleutianAI/paperwriter/services/paperwriter/observability"
	"github.com/AleutianAI/paperwriter/services/paperwriter/sessions"
	"github.com/AleutianAI/paperwriter/services/paperwriter/workspace"
	"github.com/gin-gonic/gin"
)

// Client-facing messages. Internal details never reach the client.
const (
	msgUnconfigured = "AI service is not configured"
	msgUpstream     = "AI service returned an error"
	msgTimeout      = "AI service timed out"
	msgCancelled    = "request cancelled"
	msgInternal     = "An error occurred while processing your request"
)

// apiError is the HTTP view of an error.
type apiError struct {
	Status int
	Code   observability.ErrorCode
	Detail string
}

// classifyError maps err to a status, a metrics code and a message that
// is safe to show the client.
//
// # Description
//
//   - llm.ConfigurationError: 503
//   - llm.UpstreamError: 502
//   - llm.TransientError and deadlines: 504
//   - workspace.ErrNotFound: 404
//   - workspace.ErrExists: 409
//   - workspace.ErrTooLarge: 413
//   - other workspace input errors and sessions.ProtocolError: 400
//   - anything else: 500
//
// Workspace messages only echo the path the client sent, so they are
// passed through. LLM and internal errors are replaced by fixed text.
func classifyError(err error) apiError {
	var (
		upstream  *llm.UpstreamError
		transient *llm.TransientError
		protocol  *sessions.ProtocolError
	)
	switch {
	case llm.IsUnconfigured(err):
		return apiError{http.StatusServiceUnavailable, observability.ErrorCodeUnconfigured, msgUnconfigured}
	case errors.As(err, &upstream):
		return apiError{http.StatusBadGateway, observability.ErrorCodeUpstream, msgUpstream}
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, observability.ErrorCodeTimeout, msgTimeout}
	case errors.Is(err, context.Canceled):
		return apiError{499, observability.ErrorCodeClientDisconnect, msgCancelled}
	case errors.As(err, &protocol):
		return apiError{http.StatusBadRequest, observability.ErrorCodeProtocol, protocol.Error()}
	case errors.Is(err, workspace.ErrNotFound):
		return apiError{http.StatusNotFound, observability.ErrorCodeValidation, err.Error()}
	case errors.Is(err, workspace.ErrExists):
		return apiError{http.StatusConflict, observability.ErrorCodeValidation, err.Error()}
	case errors.Is(err, workspace.ErrTooLarge):
		return apiError{http.StatusRequestEntityTooLarge, observability.ErrorCodeValidation, err.Error()}
	case errors.Is(err, workspace.ErrPathEscape),
		errors.Is(err, workspace.ErrNotAFile),
		errors.Is(err, workspace.ErrNotADir),
		errors.Is(err, workspace.ErrInvalidProject),
		errors.Is(err, workspace.ErrExtensionNotAllowed):
		return apiError{http.StatusBadRequest, observability.ErrorCodeValidation, err.Error()}
	default:
		return apiError{http.StatusInternalServerError, observability.ErrorCodeInternal, msgInternal}
	}
}

// clientMessage returns the sanitized message for err.
func clientMessage(err error) string {
	return classifyError(err).Detail
}

// respondError logs err and writes {"detail": ...} with the mapped status.
func respondError(c *gin.Context, logger *slog.Logger, err error) apiError {
	return writeError(c, logger, err, classifyError(err))
}

// writeError logs err and writes ae.
func writeError(c *gin.Context, logger *slog.Logger, err error, ae apiError) apiError {
	if ae.Status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", ae.Status, "error", err)
	} else {
		logger.Info("request rejected", "status", ae.Status, "error", err)
	}
	c.AbortWithStatusJSON(ae.Status, datatypes.ErrorResponse{Detail: ae.Detail})
	return ae
}

// respondInvalid writes a 400 for a body or query that failed to bind or
// validate.
func respondInvalid(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, datatypes.ErrorResponse{Detail: datatypes.ValidationMessage(err)})
}
