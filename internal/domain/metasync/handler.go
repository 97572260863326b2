package metasync

import (
	"errors"
	"net/http"

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
	api.GET("/reconciliation/last", h.Last, auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	api.POST("/reconciliation/run", h.Run, auth.RequireRole(auth.RoleOperator))
}

func (h *Handler) Run(c echo.Context) error {
	res, err := h.svc.Run(c.Request().Context())
	if errors.Is(err, ErrPassInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Last(c echo.Context) error {
	res := h.svc.LastResult()
	if res == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no reconciliation pass has run yet")
	}
	return c.JSON(http.StatusOK, res)
}
