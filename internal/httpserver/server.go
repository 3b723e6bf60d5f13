// Package httpserver exposes the operational surface: health, pipeline
// state, recent turns and WebRTC signaling for attaching a browser as the
// audio device.
package httpserver

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/voicepipe/internal/audio"
	"github.com/chadiek/voicepipe/internal/history"
	"github.com/chadiek/voicepipe/internal/pipeline"
)

// StatusSource reports the live pipeline state.
type StatusSource interface {
	Snapshot() pipeline.Status
}

// TurnReader lists recently finished turns.
type TurnReader interface {
	Recent(ctx context.Context, n int) ([]history.Record, error)
}

// Attacher performs the SDP exchange that attaches a browser audio device.
type Attacher interface {
	Attach(ctx context.Context, offer audio.SessionDescription) (audio.SessionDescription, error)
}

// Server is the configured HTTP surface.
type Server struct {
	e *echo.Echo
}

func New(status StatusSource, turns TurnReader, attacher Attacher) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/state", func(c echo.Context) error {
		return c.JSON(http.StatusOK, status.Snapshot())
	})

	e.GET("/turns", func(c echo.Context) error {
		n := 20
		if raw := c.QueryParam("n"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 1 || v > 500 {
				return echo.NewHTTPError(http.StatusBadRequest, "n must be an integer in [1,500]")
			}
			n = v
		}
		recs, err := turns.Recent(c.Request().Context(), n)
		if err != nil {
			log.Printf("httpserver: list turns: %v", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "history unavailable")
		}
		if recs == nil {
			recs = []history.Record{}
		}
		return c.JSON(http.StatusOK, recs)
	})

	e.POST("/offer", func(c echo.Context) error {
		var offer audio.SessionDescription
		if err := c.Bind(&offer); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
		}
		answer, err := attacher.Attach(c.Request().Context(), offer)
		if err != nil {
			log.Printf("httpserver: attach failed: %v", err)
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, answer)
	})

	return &Server{e: e}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error { return s.e.Start(addr) }

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
