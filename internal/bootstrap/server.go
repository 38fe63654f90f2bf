package bootstrap

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Guizzs26/cu-sync-agent/internal/handler"
	"github.com/Guizzs26/cu-sync-agent/internal/importer"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the services the local HTTP API exposes.
type Deps struct {
	Queue        handler.OfflineQueue
	Connectivity handler.ConnectivitySignal
	Imports      handler.ImportSessions
	Upload       importer.UploadPolicy
	Logger       *slog.Logger
}

// uploadHeadroom covers multipart framing on top of the file itself.
const uploadHeadroom = 1 << 20

// bodyLimit sizes request bodies so an oversized upload still reaches the
// upload check and gets a field-level error.
func bodyLimit(maxUpload int64) string {
	if maxUpload <= 0 {
		return "10M"
	}
	return fmt.Sprintf("%dK", (maxUpload+uploadHeadroom+1023)/1024)
}

func NewHTTPServer(d Deps) *echo.Echo {
	server := echo.New()
	server.HideBanner = true
	server.HidePort = true

	server.Use(middleware.Recover())
	server.Use(middleware.RequestID())
	server.Use(middleware.BodyLimit(bodyLimit(d.Upload.MaxBytes)))
	server.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				d.Logger.Error("HTTP request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			d.Logger.Debug("HTTP request", attrs...)
			return nil
		},
	}))

	queueHandler := handler.NewQueueHandler(d.Queue, d.Connectivity)
	importHandler := handler.NewImportHandler(d.Imports, d.Upload)
	handler.RegisterRoutes(server, queueHandler, importHandler)

	server.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	server.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return server
}
