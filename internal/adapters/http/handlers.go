package http

import (
	"fmt"
	"net/http"

	"github.com/dkeye/Meet/internal/adapters/signal"
	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/logging"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	RoomID   string `json:"roomId" binding:"required"`
	PeerID   string `json:"peerId" binding:"required"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("%w: %w", domain.ErrBadRequest, err))
		return
	}
	info, err := h.orch.Login(c.Request.Context(), orch.LoginRequest{
		Username: req.Username,
		Password: req.Password,
		RoomID:   req.RoomID,
		PeerID:   req.PeerID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	// both ids were validated by Login
	peer, _ := domain.ParsePeerID(req.PeerID)
	room, _ := domain.ParseRoomID(req.RoomID)
	if err := signal.SaveLoginToSession(c, &info, peer, room); err != nil {
		l := logging.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("save session")
		fail(c, err)
		return
	}
	ok(c, gin.H{"user": info})
}

// logout clears the login session and revokes the token and roles of the
// peer that session logged in for. Without a session it only answers ok.
func (h *handlers) logout(c *gin.Context) {
	id, _, loggedIn := signal.LoginFromSession(c)
	if err := signal.SaveLoginToSession(c, nil, "", ""); err != nil {
		fail(c, err)
		return
	}
	if !loggedIn {
		ok(c, nil)
		return
	}
	if err := h.orch.Logout(c.Request.Context(), id); err != nil && domain.Code(err) != domain.CodeNotJoined {
		fail(c, err)
		return
	}
	ok(c, nil)
}

func (h *handlers) listRooms(c *gin.Context) {
	ok(c, gin.H{
		"rooms": h.orch.Rooms.List(),
		"peers": h.orch.Peers.Snapshot(),
	})
}

func (h *handlers) getRoom(c *gin.Context) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		fail(c, fmt.Errorf("%w: %w", domain.ErrBadRequest, err))
		return
	}
	room, found := h.orch.Rooms.Get(id)
	if !found {
		fail(c, fmt.Errorf("room %s: %w", id, domain.ErrNotFound))
		return
	}
	ok(c, room.Snapshot())
}

func (h *handlers) healthz(c *gin.Context) {
	if h.ready != nil && !h.ready(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": h.orch.Rooms.Len(), "peers": h.orch.Peers.Len()})
}
