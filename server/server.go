// Package server runs the optional health/metrics HTTP listener.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health serves /healthz and /metrics when an address is configured.
type Health struct {
	echo *echo.Echo
	addr string
}

// NewHealth builds the listener; addr is host:port.
func NewHealth(addr, version string) *Health {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Health{echo: e, addr: addr}
}

// Start listens in the background.
func (h *Health) Start() {
	go func() {
		if err := h.echo.Start(h.addr); err != nil && err != http.ErrServerClosed {
			slog.Error("health listener failed", "addr", h.addr, "error", err)
		}
	}()
}

// Shutdown stops the listener.
func (h *Health) Shutdown(ctx context.Context) {
	if err := h.echo.Shutdown(ctx); err != nil {
		slog.Warn("health listener shutdown failed", "error", err)
	}
}
