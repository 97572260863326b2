package identity

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/radris/risync/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/identity")

	read := g.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/lookup", h.Lookup)
	read.POST("/validate", h.ValidateUPI)
	read.GET("/statistics", h.Statistics)
	read.GET("/duplicates", h.Duplicates)

	write := g.Group("", auth.RequireRole(auth.RoleOperator))
	write.POST("/patients/:id/upi", h.EnsureUPI)
	write.PUT("/patients/:id/upi", h.AssignUPI)
	write.POST("/backfill", h.Backfill)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Lookup(c echo.Context) error {
	identifier := c.QueryParam("identifier")
	if identifier == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "identifier is required")
	}
	p, err := h.svc.FindPatient(c.Request().Context(), identifier)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) EnsureUPI(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	upi, err := h.svc.EnsureValid(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"patient_id": id.String(), "universal_id": upi})
}

type assignRequest struct {
	UniversalID string `json:"universal_id"`
}

func (h *Handler) AssignUPI(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.AssignUPI(c.Request().Context(), id, req.UniversalID); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"patient_id": id.String(), "universal_id": req.UniversalID})
}

type validateRequest struct {
	UniversalID string        `json:"universal_id"`
	Facts       *PatientFacts `json:"facts,omitempty"`
}

type validateResponse struct {
	UniversalID   string `json:"universal_id"`
	Valid         bool   `json:"valid"`
	ChecksumValid *bool  `json:"checksum_valid,omitempty"`
}

func (h *Handler) ValidateUPI(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp := validateResponse{UniversalID: req.UniversalID, Valid: Validate(req.UniversalID)}
	if req.Facts != nil {
		ok := VerifyChecksum(req.UniversalID, *req.Facts)
		resp.ChecksumValid = &ok
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Backfill(c echo.Context) error {
	res, err := h.svc.BackfillIdentifiers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Statistics(c echo.Context) error {
	st, err := h.svc.Statistics(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Duplicates(c echo.Context) error {
	groups, err := h.svc.FindPotentialDuplicates(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if groups == nil {
		groups = []DuplicateGroup{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"groups": groups, "total": len(groups)})
}

func httpError(err error) error {
	var verr *ValidationError
	var gerr *GenerationError
	switch {
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIdentifierAssigned), errors.Is(err, ErrDuplicateIdentifier), errors.Is(err, ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &gerr):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
