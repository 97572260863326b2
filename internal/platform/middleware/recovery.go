package middleware

import (
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/radris/risync/internal/platform/auth"
)

// PanicHook is told about every recovered panic, after it is logged.
type PanicHook func(c echo.Context, recovered interface{})

// Recovery turns a handler panic into a 500. A sync request that panics
// half way through leaves whatever links it already committed in place.
func Recovery(logger zerolog.Logger, hooks ...PanicHook) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				buf := make([]byte, 4096)
				buf = buf[:runtime.Stack(buf, false)]
				rid, _ := c.Get(requestIDKey).(string)

				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("user_id", auth.UserIDFromContext(c.Request().Context())).
					Interface("panic", r).
					Bytes("stack", buf).
					Msg("handler panic")

				for _, h := range hooks {
					h(c, r)
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
