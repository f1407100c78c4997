package signal

import (
	"encoding/json"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionUserKey = "user"
	sessionPeerKey = "peerId"
	sessionRoomKey = "roomId"
)

// UserFromSession returns the user stored by a prior login, or nil when
// the request has no session or nobody logged in.
func UserFromSession(c *gin.Context) *domain.UserInfo {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return nil
	}
	raw, ok := sessions.Default(c).Get(sessionUserKey).(string)
	if !ok || raw == "" {
		return nil
	}
	var u domain.UserInfo
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad session user")
		return nil
	}
	return &u
}

// LoginFromSession returns the peer and room a prior login was made for.
func LoginFromSession(c *gin.Context) (domain.PeerID, domain.RoomID, bool) {
	if _, ok := c.Get(sessions.DefaultKey); !ok {
		return "", "", false
	}
	s := sessions.Default(c)
	peer, _ := s.Get(sessionPeerKey).(string)
	room, _ := s.Get(sessionRoomKey).(string)
	if peer == "" {
		return "", "", false
	}
	return domain.PeerID(peer), domain.RoomID(room), true
}

// SaveLoginToSession stores u together with the peer and room it logged
// in for; nil u clears all three.
func SaveLoginToSession(c *gin.Context, u *domain.UserInfo, peer domain.PeerID, room domain.RoomID) error {
	s := sessions.Default(c)
	if u == nil {
		s.Delete(sessionUserKey)
		s.Delete(sessionPeerKey)
		s.Delete(sessionRoomKey)
		return s.Save()
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	s.Set(sessionUserKey, string(raw))
	s.Set(sessionPeerKey, string(peer))
	s.Set(sessionRoomKey, string(room))
	return s.Save()
}
