package linking

import (
	"errors"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radris/risync/internal/domain/exam"
	"github.com/radris/risync/internal/platform/archive"
	"github.com/radris/risync/internal/platform/auth"
)

const maxBatch = 1000

type Handler struct {
	svc *Orchestrator
}

func NewHandler(svc *Orchestrator) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	read.GET("/sync/statistics", h.Statistics)
	read.GET("/exams/:id/viewer", h.Viewer)

	write := api.Group("", auth.RequireRole(auth.RoleOperator))
	write.POST("/sync/exams/:id", h.SyncOne)
	write.POST("/sync/exams", h.SyncMany)
	write.POST("/sync/range", h.SyncRange)
	write.POST("/sync/pending", h.SyncPending)
	write.PUT("/exams/:id/study", h.Override)
}

func examID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) SyncOne(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.SyncOne(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type syncManyRequest struct {
	ExamIDs []uuid.UUID `json:"exam_ids"`
}

func (r syncManyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ExamIDs, validation.Required, validation.Length(1, maxBatch)),
	)
}

func (h *Handler) SyncMany(c echo.Context) error {
	var req syncManyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.SyncMany(c.Request().Context(), req.ExamIDs))
}

type rangeRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain "to" date
// covers the whole day.
func parseBound(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (h *Handler) SyncRange(c echo.Context) error {
	var req rangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	from, err := parseBound(req.From, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be a date or RFC 3339 timestamp")
	}
	to, err := parseBound(req.To, true)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "to must be a date or RFC 3339 timestamp")
	}
	res, err := h.svc.SyncByDateRange(c.Request().Context(), DateRange{From: from, To: to})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) SyncPending(c echo.Context) error {
	res, err := h.svc.SyncPending(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type overrideRequest struct {
	StudyReference string `json:"study_reference"`
}

func (h *Handler) Override(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := h.svc.Override(c.Request().Context(), id, req.StudyReference)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Statistics(c echo.Context) error {
	stats, err := h.svc.Statistics(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) Viewer(c echo.Context) error {
	id, err := examID(c)
	if err != nil {
		return err
	}
	cfg, err := h.svc.ViewerConfig(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, exam.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, archive.ErrNotFound), errors.Is(err, ErrNoImages):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, exam.ErrStudyLinkedElsewhere):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrMissingReference), errors.Is(err, ErrInvalidRange):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case archive.IsConnectivity(err):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
