// Package http exposes the party operations as a small JSON API for local
// tooling.
package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/Shortgap/internal/adapters/signal"
	"github.com/dkeye/Shortgap/internal/app/orch"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type JoinRequest struct {
	Name      string   `json:"name"`
	Bootstrap []string `json:"bootstrap,omitempty"`
}

type MessageRequest struct {
	Content string `json:"content"`
}

type MessageResponse struct {
	ID string `json:"id"`
}

type TransportRequest struct {
	Transport string `json:"transport"`
}

type Handlers struct {
	Orch *orch.Orchestrator
}

// Register mounts the party routes on g.
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.GET("/whoami", h.whoami)
	party := g.Group("/party")
	party.GET("", h.snapshot)
	party.GET("/peers", h.peers)
	party.POST("/join", h.join)
	party.POST("/leave", h.leave)
	party.POST("/messages", h.send)
	party.POST("/transport", h.switchTransport)
}

func (h *Handlers) whoami(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"id": h.Orch.Self()})
}

func (h *Handlers) snapshot(c *gin.Context) {
	snap, err := h.Orch.Snapshot()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handlers) peers(c *gin.Context) {
	peers, err := h.Orch.OrderedPeers()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

func (h *Handlers) join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	party, err := h.Orch.JoinParty(c.Request.Context(), req.Name, req.Bootstrap)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, party)
}

func (h *Handlers) leave(c *gin.Context) {
	if err := h.Orch.LeaveParty(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) send(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	}
	id, err := h.Orch.SendMessage(c.Request.Context(), req.Content)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, MessageResponse{ID: id})
}

func (h *Handlers) switchTransport(c *gin.Context) {
	var req TransportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	kind, err := domain.ParseTransportKind(req.Transport)
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.Orch.SwitchTransport(c.Request.Context(), kind); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transport": kind})
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "transport.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": signal.ErrorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong),
		errors.Is(err, domain.ErrUnknownTransport):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotInParty),
		errors.Is(err, domain.ErrAlreadyInParty),
		errors.Is(err, domain.ErrNameCollision),
		errors.Is(err, domain.ErrSwitchInProgress),
		errors.Is(err, domain.ErrNoQuorum):
		return http.StatusConflict
	case errors.Is(err, domain.ErrConnectionLost),
		errors.Is(err, domain.ErrPeerUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
