package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/EPFLSWENT2024G1/partageix/internal/errs"
)

const XUserIDHeader = "X-User-Id"

// UserContext requires the upstream gateway's user header and rejects the
// request otherwise. The resolved id is read back with UserID.
func UserContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Request().Header.Get(XUserIDHeader)
		if userID == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, errs.ErrUserName.Error())
		}
		c.Set(XUserIDHeader, userID)
		return next(c)
	}
}

func UserID(c echo.Context) string {
	id, _ := c.Get(XUserIDHeader).(string)
	return id
}

func NewRateLimiter(rps rate.Limit) echo.MiddlewareFunc {
	return echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(rps))
}

func RequestLoggerConfig(log *zap.Logger) echomw.RequestLoggerConfig {
	log = log.Named("echo")
	return echomw.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		HandleError:  true,
		LogError:     true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := zapcore.InfoLevel
			if v.Error != nil {
				level = zapcore.ErrorLevel
			}
			log.Log(level, "request",
				zap.String("URI", v.URI),
				zap.String("Method", v.Method),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.Error(v.Error),
				zap.String("request_id", v.RequestID),
			)
			return nil
		},
	}
}
