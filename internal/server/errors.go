package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/gatekeeper"
	"github.com/mohammad-safakhou/specforge/internal/jobs"
	"github.com/mohammad-safakhou/specforge/internal/lineage"
	"github.com/mohammad-safakhou/specforge/internal/llm"
	"github.com/mohammad-safakhou/specforge/internal/shredder"
	"github.com/mohammad-safakhou/specforge/internal/store"
)

// Stable error categories reported to callers.
const (
	CategoryInvalidInput   = "invalid_input"
	CategoryUnauthorized   = "unauthorized"
	CategoryNotFound       = "not_found"
	CategoryConflict       = "conflict"
	CategoryDispatchFailed = "dispatch_failed"
	CategoryRateLimit      = "rate_limit"
	CategoryBackend        = "backend_error"
	CategoryInternal       = "internal"
)

type errorBody struct {
	Error      string `json:"error"`
	Category   string `json:"category"`
	RetryAfter *int   `json:"retry_after,omitempty"`
	JobID      string `json:"job_id,omitempty"`
}

// apiError carries an explicit status and category through echo's error path.
type apiError struct {
	status   int
	category string
	msg      string
	jobID    string
}

func (e *apiError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &apiError{status: http.StatusBadRequest, category: CategoryInvalidInput, msg: fmt.Sprintf(format, args...)}
}

// classify maps an error onto a status code and stable category.
func classify(err error) (int, errorBody) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status, errorBody{Error: ae.msg, Category: ae.category, JobID: ae.jobID}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		category := CategoryInternal
		switch {
		case he.Code == http.StatusNotFound:
			category = CategoryNotFound
		case he.Code == http.StatusUnauthorized:
			category = CategoryUnauthorized
		case he.Code < 500:
			category = CategoryInvalidInput
		}
		return he.Code, errorBody{Error: fmt.Sprint(he.Message), Category: category}
	}

	switch {
	case errors.Is(err, lineage.ErrNotEditable):
		return http.StatusConflict, errorBody{Error: err.Error(), Category: CategoryConflict}
	case errors.Is(err, jobs.ErrInvalidInput),
		errors.Is(err, lineage.ErrInvalidEdit),
		errors.Is(err, gatekeeper.ErrProjectRequired):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Category: CategoryInvalidInput}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Category: CategoryNotFound}
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrParentMismatch),
		errors.Is(err, lineage.ErrDifferentLineage),
		errors.Is(err, lineage.ErrNoDocument),
		errors.Is(err, shredder.ErrNotReady):
		return http.StatusConflict, errorBody{Error: err.Error(), Category: CategoryConflict}
	case errors.Is(err, jobs.ErrDispatch):
		return http.StatusServiceUnavailable, errorBody{Error: err.Error(), Category: CategoryDispatchFailed}
	}

	var le *llm.Error
	if errors.As(err, &le) {
		body := errorBody{Error: "generation backend unavailable", Category: CategoryBackend}
		status := http.StatusBadGateway
		if le.Kind == llm.KindRateLimit {
			status = http.StatusTooManyRequests
			body.Category = CategoryRateLimit
			secs := int(le.RetryAfter.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			body.RetryAfter = &secs
		}
		return status, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error", Category: CategoryInternal}
}

// errorHandler writes every failure as {"error", "category", "retry_after"}.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code, body := classify(err)
		req := c.Request()
		fields := []zap.Field{
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote_ip", c.RealIP()),
			zap.Error(err),
		}
		if code >= 500 {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
		if c.Response().Committed {
			return
		}
		if body.RetryAfter != nil {
			c.Response().Header().Set("Retry-After", fmt.Sprint(*body.RetryAfter))
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}
