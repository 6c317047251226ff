//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-metrics"

	"github.com/signalapp/surveytokens/cmd/internal/util"
	"github.com/signalapp/surveytokens/tokens"
)

// statusFor maps errors from the tokens package to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tokens.ErrPersistenceFailure):
		return http.StatusInternalServerError
	case errors.Is(err, tokens.ErrSurveyNotFound),
		errors.Is(err, tokens.ErrBatchNotFound),
		errors.Is(err, tokens.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, tokens.ErrAlreadyConsumed),
		errors.Is(err, tokens.ErrTokenRevoked):
		return http.StatusConflict
	case errors.Is(err, tokens.ErrSurveyClosed):
		return http.StatusForbidden
	case errors.Is(err, tokens.ErrInvalidSize),
		errors.Is(err, tokens.ErrInvalidSurvey),
		errors.Is(err, tokens.ErrInvalidTokenHash),
		errors.Is(err, tokens.ErrMalformedSecret),
		errors.Is(err, tokens.ErrInvalidAnswer),
		errors.Is(err, tokens.ErrMissingAnswer),
		errors.Is(err, tokens.ErrTokenSurveyMismatch):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// abortWithError writes a JSON error body. Internal errors are logged and
// replaced with a generic message.
func abortWithError(c *gin.Context, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		util.Log().Errorf("%v %v: %v", c.Request.Method, c.FullPath(), err)
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// accessLog logs and counts each request by its route pattern, so that ids
// and token hashes in the path are never recorded.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		util.Log().Request(c.Request.Method, route, status, time.Since(start))

		labels := requestLabels(route, status)
		metrics.IncrCounterWithLabels([]string{"http_requests"}, 1, labels)
		metrics.MeasureSinceWithLabels([]string{"http_duration"}, start, labels)
	}
}
