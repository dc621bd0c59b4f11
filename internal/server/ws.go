package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/barkeep/internal/broadcast"
	"github.com/MrWong99/barkeep/internal/observe"
	"github.com/MrWong99/barkeep/internal/voice"
)

// Inbound voice message types.
const (
	msgTranscript = "transcript"
	msgModeChange = "mode_change"
	msgPing       = "ping"
)

// inbound is one message from a voice client.
type inbound struct {
	Type       string  `json:"type"`
	Transcript string  `json:"transcript"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Mode       string  `json:"mode"`
}

// sessionStartAttempts bounds how long a reconnecting client waits for its
// previous session to be removed.
const sessionStartAttempts = 20

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(s.cfg.ReadLimit)
	return ws, nil
}

func (s *Server) serveVoice(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	ctx := observe.WithClientID(r.Context(), clientID)
	log := observe.Logger(ctx)

	ws, err := s.accept(w, r)
	if err != nil {
		log.Warn("server: voice upgrade failed", "err", err)
		return
	}
	defer ws.CloseNow()

	conn := broadcast.NewConn(ws, broadcast.ClassVoice, s.cfg.WriteTimeout)
	unregister := s.hub.Register(conn)
	defer unregister()
	defer conn.MarkClosed()

	out := voice.ResponderFunc(func(ctx context.Context, msg voice.Message) error {
		return conn.SendJSON(ctx, msg)
	})
	sess, err := s.startSession(ctx, clientID, out)
	if err != nil {
		log.Warn("server: voice session rejected", "err", err)
		ws.Close(websocket.StatusPolicyViolation, "client id already connected")
		return
	}
	defer sess.Close()

	log.Info("server: voice client connected")
	limiter := rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			logClose(log, "server: voice client disconnected", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if !limiter.Allow() {
			_ = out.Respond(ctx, voice.Message{Type: voice.MsgError, Message: "rate limit exceeded"})
			continue
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = out.Respond(ctx, voice.Message{Type: voice.MsgError, Message: "malformed message"})
			continue
		}
		if err := s.handleInbound(ctx, sess, out, msg); err != nil {
			if errors.Is(err, voice.ErrSessionClosed) {
				return
			}
			_ = out.Respond(ctx, voice.Message{Type: voice.MsgError, Message: err.Error()})
		}
	}
}

func (s *Server) handleInbound(ctx context.Context, sess *voice.Session, out voice.Responder, msg inbound) error {
	switch msg.Type {
	case msgTranscript:
		return sess.Transcript(msg.Transcript, msg.IsFinal, msg.Confidence)
	case msgModeChange:
		m, err := voice.ParseControlMode(msg.Mode)
		if err != nil {
			return err
		}
		return sess.SetMode(m)
	case msgPing:
		return out.Respond(ctx, voice.Message{Type: voice.MsgPong})
	default:
		return fmt.Errorf("server: unknown message type %q", msg.Type)
	}
}

// startSession registers a new session for clientID. A client reconnecting
// under the same id replaces its previous session once that one has closed.
func (s *Server) startSession(ctx context.Context, clientID string, out voice.Responder) (*voice.Session, error) {
	var err error
	for range sessionStartAttempts {
		sess := s.newSession(clientID, out)
		if err = s.sessions.Start(ctx, sess); err == nil {
			return sess, nil
		}
		if !errors.Is(err, voice.ErrDuplicateSession) {
			return nil, err
		}
		if old, ok := s.sessions.Get(clientID); ok {
			old.Close()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return nil, err
}

func (s *Server) serveDisplay(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	ws, err := s.accept(w, r)
	if err != nil {
		log.Warn("server: display upgrade failed", "err", err)
		return
	}
	defer ws.CloseNow()

	conn := broadcast.NewConn(ws, broadcast.ClassDisplay, s.cfg.WriteTimeout)
	unregister := s.hub.Register(conn)
	defer unregister()
	defer conn.MarkClosed()

	log.Info("server: display connected", "listeners", s.hub.Len())
	// Displays only receive; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	<-ctx.Done()
	log.Info("server: display disconnected")
}

func logClose(log *slog.Logger, msg string, err error) {
	status := websocket.CloseStatus(err)
	if status == -1 {
		log.Info(msg, "err", err)
		return
	}
	log.Info(msg, "status", status.String())
}
