// Package server exposes the service over HTTP with echo.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"

	"github.com/srodi/waterwall/pkg/errs"
	"github.com/srodi/waterwall/pkg/logger"
	"github.com/srodi/waterwall/pkg/policy"
	"github.com/srodi/waterwall/pkg/report"
)

// Service is what the handlers need from the core.
type Service interface {
	ListSnapshots(ctx context.Context, key, order string) ([]report.Record, error)
	SetBlocked(ctx context.Context, pid int32, blocked bool) error
	SetLimit(ctx context.Context, pid int32, percent int) error
	Idle() bool
	Touch()
	Throttle(ctx context.Context) (int, error)
	EnforcementStatus(pid int32) (policy.Status, bool)
	Stream(ctx context.Context, interval time.Duration, key, order string, emit func([]report.Record) error) error
}

// StatusResponse acknowledges a command.
type StatusResponse struct {
	Status    string `json:"status"`
	Throttled *int   `json:"throttled,omitempty"`
}

// ErrorResponse describes a failed request.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// UserStatusResponse reports whether the user is away.
type UserStatusResponse struct {
	Away bool `json:"away"`
}

// Handler serves the HTTP routes.
type Handler struct {
	Service        Service
	StreamInterval time.Duration
}

func success() StatusResponse {
	return StatusResponse{Status: "success"}
}

func (h *Handler) errorResponse(c echo.Context, status int, err error) error {
	ctx := c.Request().Context()
	if status >= 500 {
		logger.Logger(ctx).Error().Err(err).Msg("request failed")
	} else {
		logger.Logger(ctx).Warn().Err(err).Msg("request rejected")
	}
	return c.JSON(status, ErrorResponse{Status: "error", Error: err.Error()})
}

// HandleError maps domain errors onto HTTP status codes.
func (h *Handler) HandleError(c echo.Context, err error) error {
	return h.errorResponse(c, StatusFor(err), err)
}

// StatusFor picks the HTTP status for err. Access denial wins over a generic
// enforcement failure.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrEnforcementFailed):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrProcessVanished):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ListProcesses returns the sorted snapshot.
func (h *Handler) ListProcesses(c echo.Context) error {
	rows, err := h.Service.ListSnapshots(c.Request().Context(), c.QueryParam("sort"), c.QueryParam("order"))
	if err != nil {
		return h.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) Block(c echo.Context) error {
	pid, _, err := bindCommand(c.Request(), false)
	if err != nil {
		return h.HandleError(c, err)
	}
	if err := h.Service.SetBlocked(c.Request().Context(), pid, true); err != nil {
		return h.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, success())
}

func (h *Handler) Unblock(c echo.Context) error {
	pid, _, err := bindCommand(c.Request(), false)
	if err != nil {
		return h.HandleError(c, err)
	}
	if err := h.Service.SetBlocked(c.Request().Context(), pid, false); err != nil {
		return h.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, success())
}

func (h *Handler) Limit(c echo.Context) error {
	pid, percent, err := bindCommand(c.Request(), true)
	if err != nil {
		return h.HandleError(c, err)
	}
	if err := h.Service.SetLimit(c.Request().Context(), pid, percent); err != nil {
		return h.HandleError(c, err)
	}
	return c.JSON(http.StatusOK, success())
}

func (h *Handler) UserStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, UserStatusResponse{Away: h.Service.Idle()})
}

func (h *Handler) Throttle(c echo.Context) error {
	n, err := h.Service.Throttle(c.Request().Context())
	if err != nil && n == 0 {
		return h.HandleError(c, err)
	}
	if err != nil {
		logger.Logger(c.Request().Context()).Warn().Err(err).Int("throttled", n).Msg("throttle partially failed")
	}
	resp := success()
	resp.Throttled = &n
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Activity(c echo.Context) error {
	h.Service.Touch()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) EnforcementStatus(c echo.Context) error {
	pid, err := cast.ToInt32E(c.Param("pid"))
	if err != nil || pid <= 0 {
		return h.HandleError(c, fmt.Errorf("%w: bad pid %q", errs.ErrInvalidArgument, c.Param("pid")))
	}
	st, ok := h.Service.EnforcementStatus(pid)
	if !ok {
		return h.errorResponse(c, http.StatusNotFound, fmt.Errorf("no command recorded for pid %d", pid))
	}
	return c.JSON(http.StatusOK, st)
}

// ProcessStream pushes the snapshot as Server-Sent Events until the client leaves.
func (h *Handler) ProcessStream(c echo.Context) error {
	ctx := c.Request().Context()
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	err := h.Service.Stream(ctx, h.StreamInterval, c.QueryParam("sort"), c.QueryParam("order"), func(rows []report.Record) error {
		data, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
			return err
		}
		res.Flush()
		return nil
	})
	if err != nil && ctx.Err() == nil {
		logger.Logger(ctx).Warn().Err(err).Msg("process stream ended")
	}
	return nil
}

// bindCommand reads {"pid": n[, "percentage": p]}. Numbers may arrive as JSON
// numbers or numeric strings.
func bindCommand(r *http.Request, withPercent bool) (int32, int, error) {
	var raw map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return 0, 0, fmt.Errorf("%w: invalid request payload: %v", errs.ErrInvalidArgument, err)
	}
	pidVal, err := wholeNumber(raw, "pid")
	if err != nil {
		return 0, 0, err
	}
	pid, err := cast.ToInt32E(pidVal)
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("%w: pid must be a positive integer", errs.ErrInvalidArgument)
	}
	if !withPercent {
		return pid, 0, nil
	}
	pctVal, err := wholeNumber(raw, "percentage")
	if err != nil {
		return 0, 0, err
	}
	percent, err := cast.ToIntE(pctVal)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: percentage must be an integer", errs.ErrInvalidArgument)
	}
	return pid, percent, nil
}

func wholeNumber(raw map[string]interface{}, field string) (interface{}, error) {
	v, ok := raw[field]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s is required", errs.ErrInvalidArgument, field)
	}
	if f, ok := v.(float64); ok && f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: %s must be a whole number", errs.ErrInvalidArgument, field)
	}
	return v, nil
}
