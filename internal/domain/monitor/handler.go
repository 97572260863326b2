package monitor

import (
	"errors"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/labstack/echo/v4"

	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/auth"
)

type Handler struct {
	mon *Monitor
}

func NewHandler(mon *Monitor) *Handler {
	return &Handler{mon: mon}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/monitor", auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	read.GET("/status", h.Status)
	read.GET("/known", h.Known)

	write := api.Group("/monitor", auth.RequireRole(auth.RoleOperator))
	write.POST("/start", h.Start)
	write.POST("/stop", h.Stop)
	write.POST("/check", h.Check)
	write.POST("/reset", h.Reset)
	write.PUT("/config", h.Configure)
}

func (h *Handler) Start(c echo.Context) error {
	if err := h.mon.Start(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.mon.Status())
}

func (h *Handler) Stop(c echo.Context) error {
	if err := h.mon.Stop(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.mon.Status())
}

func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.mon.Status())
}

func (h *Handler) Known(c echo.Context) error {
	refs := h.mon.KnownStudies()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count":            len(refs),
		"study_references": refs,
	})
}

func (h *Handler) Check(c echo.Context) error {
	res, err := h.mon.CheckNow(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reset(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"cleared": h.mon.Reset()})
}

type configRequest struct {
	IntervalMS *int64 `json:"interval_ms"`
	JitterMS   *int64 `json:"jitter_ms"`
}

func (r configRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.IntervalMS, validation.NilOrNotEmpty, validation.Min(MinInterval.Milliseconds())),
		validation.Field(&r.JitterMS, validation.Min(int64(0))),
	)
}

func (h *Handler) Configure(c echo.Context) error {
	var req configRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IntervalMS == nil && req.JitterMS == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "interval_ms or jitter_ms is required")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.IntervalMS != nil {
		if err := h.mon.SetInterval(time.Duration(*req.IntervalMS) * time.Millisecond); err != nil {
			return httpError(err)
		}
	}
	if req.JitterMS != nil {
		if err := h.mon.SetJitter(time.Duration(*req.JitterMS) * time.Millisecond); err != nil {
			return httpError(err)
		}
	}
	return c.JSON(http.StatusOK, h.mon.Status())
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNotRunning),
		errors.Is(err, ErrPollInProgress), errors.Is(err, ErrStoppedDuringInit):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrIntervalTooShort):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case archive.IsConnectivity(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
