package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const NotifyConnectionRejected = "connectionRejected"

type request struct {
	Request bool            `json:"request"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Data    json.RawMessage `json:"data"`
}

type response struct {
	Response bool       `json:"response"`
	ID       uint64     `json:"id"`
	OK       bool       `json:"ok"`
	Data     any        `json:"data,omitempty"`
	Error    *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("ping failed")
				return
			}
		}
	}
}

// readPump handles requests one at a time, so responses keep request
// order. The peer is closed when the socket ends or ctx is done.
func (ctl *SignalWSController) readPump(ctx context.Context, s *session) {
	stop := context.AfterFunc(ctx, s.peer.Close)
	defer func() {
		stop()
		s.logger.Info().Msg("readPump closing")
		s.peer.Close()
		if ctl.limiter != nil {
			ctl.limiter.Forget(s.peer.ID())
		}
	}()

	ws := s.conn.conn
	ws.SetReadLimit(ctl.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(ctl.cfg.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		ctl.handleMessage(ctx, s, data)
	}
}

func (ctl *SignalWSController) handleMessage(ctx context.Context, s *session, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil || !req.Request || req.Method == "" {
		s.logger.Warn().Err(err).Msg("malformed request")
		ctl.reply(s, req.ID, nil, fmt.Errorf("%w: malformed request", domain.ErrBadRequest))
		return
	}
	if ctl.limiter != nil && !ctl.limiter.Allow(s.peer.ID()) {
		s.logger.Warn().Str("method", req.Method).Msg("rate limited")
		ctl.reply(s, req.ID, nil, domain.ErrRateLimited)
		return
	}
	h, ok := ctl.handlers[req.Method]
	if !ok {
		ctl.reply(s, req.ID, nil, fmt.Errorf("%w: unknown method %q", domain.ErrBadRequest, req.Method))
		return
	}

	rctx, cancel := context.WithTimeout(ctx, ctl.cfg.RequestTimeout)
	defer cancel()
	out, err := h(rctx, s, req.Data)
	if err != nil {
		s.logger.Debug().Str("method", req.Method).Str("code", domain.Code(err)).Err(err).Msg("request failed")
	}
	ctl.reply(s, req.ID, out, err)
	if err == nil {
		if after, ok := ctl.followUps[req.Method]; ok {
			after(rctx, s)
		}
	}
}

func (ctl *SignalWSController) reply(s *session, id uint64, data any, err error) {
	resp := response{Response: true, ID: id, OK: err == nil, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = &wireError{Code: domain.Code(err), Message: err.Error()}
	}
	frame, mErr := json.Marshal(resp)
	if mErr != nil {
		s.logger.Error().Err(mErr).Msg("marshal response")
		return
	}
	if sErr := s.conn.sendWait(frame, ctl.cfg.WriteWait); sErr != nil && !errors.Is(sErr, core.ErrConnClosed) {
		s.logger.Warn().Err(sErr).Uint64("id", id).Msg("response not queued")
	}
}
