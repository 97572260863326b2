package notification

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/radris/risync/internal/platform/auth"
	"github.com/radris/risync/pkg/pagination"
)

type Handler struct {
	bus *Bus
}

func NewHandler(bus *Bus) *Handler {
	return &Handler{bus: bus}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperator, auth.RoleViewer))
	read.GET("/notifications", h.List)
	read.GET("/notifications/stats", h.Stats)
}

// List handles GET /notifications?type=&since=&limit=&offset=.
func (h *Handler) List(c echo.Context) error {
	q := Query{Type: EventType(c.QueryParam("type"))}
	if s := c.QueryParam("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		}
		q.Since = since
	}

	p := pagination.FromContext(c)
	events := h.bus.Recent(q)
	start, end := p.Window(len(events))
	return c.JSON(http.StatusOK, pagination.NewResponse(events[start:end], len(events), p))
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.bus.Stats())
}
