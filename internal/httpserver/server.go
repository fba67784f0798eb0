// Package httpserver exposes the voice control surface over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lowkeylabs/voicebot/internal/voice"
)

// Server wires the control routes onto an echo instance.
type Server struct {
	echo    *echo.Echo
	manager *voice.Manager
}

func New(manager *voice.Manager) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{echo: e, manager: manager}

	e.GET("/healthz", s.handleHealth)
	v1 := e.Group("/v1/voice")
	v1.POST("/join", s.handleJoin)
	v1.POST("/leave", s.handleLeave)
	v1.POST("/speak", s.handleSpeak)
	v1.GET("/status", s.handleStatus)

	return s
}

func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying mux, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

type joinRequest struct {
	ChannelID string `json:"channel_id"`
}

type leaveRequest struct {
	GuildID string `json:"guild_id"`
}

type speakRequest struct {
	GuildID string `json:"guild_id"`
	Text    string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJoin(c echo.Context) error {
	var req joinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	status, err := s.manager.Join(c.Request().Context(), req.ChannelID)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleLeave(c echo.Context) error {
	var req leaveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if err := s.manager.Leave(req.GuildID); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "left"})
}

func (s *Server) handleSpeak(c echo.Context) error {
	var req speakRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	if err := s.manager.Speak(c.Request().Context(), req.GuildID, req.Text); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "speaking"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sessions": s.manager.Status()})
}

func (s *Server) writeError(c echo.Context, err error) error {
	var (
		vErr *voice.ValidationError
		cErr *voice.ConfigError
		pErr *voice.ProviderError
	)
	switch {
	case errors.As(err, &vErr):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: vErr.Error()})
	case errors.Is(err, voice.ErrSessionBusy):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &cErr):
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: cErr.Error()})
	case errors.As(err, &pErr):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: pErr.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
