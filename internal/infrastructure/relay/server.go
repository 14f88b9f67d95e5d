package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"peercall/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServerConfig carries the dev relay knobs. Zero values fall back to the
// same defaults the client uses.
type ServerConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func (c *ServerConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 512 * 1024
	}
}

// session is one authenticated websocket. Writes are serialized through
// the mutex; gorilla connections allow a single writer at a time.
type session struct {
	user domain.UserID
	conn *websocket.Conn

	mu sync.Mutex
}

func (s *session) write(frame wireFrame, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteJSON(frame)
}

// Server is the development relay: a websocket fan-out that moves
// envelopes between subscribed users without reading their contents.
// Production deployments point the client at the hosted relay instead;
// this one exists so a full call stack runs on a laptop.
type Server struct {
	cfg    ServerConfig
	minter *TokenMinter
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.UserID]*session
	subs     map[domain.ChannelID]map[domain.UserID]*session
}

func NewServer(cfg ServerConfig, minter *TokenMinter, logger *zap.SugaredLogger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		minter:   minter,
		logger:   logger,
		sessions: make(map[domain.UserID]*session),
		subs:     make(map[domain.ChannelID]map[domain.UserID]*session),
	}
}

// HandleWebSocket upgrades one client connection. The bearer token is
// checked before the upgrade; the claims decide which user the socket
// speaks for, so a client cannot publish under someone else's name.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		s.logger.Warnw("rejecting relay connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
		return
	}
	user := claims.UserID

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	// Check if the user is reconnecting (already connected)
	sess := &session{user: user, conn: conn}
	s.mu.Lock()
	existing, isReconnect := s.sessions[user]
	if isReconnect && existing != nil {
		// Close old connection; its cleanup must not evict the new one
		existing.conn.Close()
		s.logger.Infow("closing old connection for reconnecting user", "user_id", user)
	}
	s.sessions[user] = sess
	s.mu.Unlock()

	s.logger.Infow("user connected to relay", "user_id", user, "reconnect", isReconnect)

	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	frameChan := make(chan wireFrame, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var frame wireFrame
			if err := conn.ReadJSON(&frame); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			frameChan <- frame
		}
	}()

	for {
		select {
		case frame := <-frameChan:
			if err := s.handleFrame(sess, frame); err != nil {
				s.logger.Infow("error handling relay frame", "user_id", user, "error", err)
				s.sendError(sess, err.Error())
			}

		case <-pingTicker.C:
			sess.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			sess.mu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "user_id", user, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from user", "user_id", user, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	// A reconnect may have replaced this session already
	if s.sessions[user] == sess {
		delete(s.sessions, user)
	}
	for channel, members := range s.subs {
		if members[user] == sess {
			delete(members, user)
			if len(members) == 0 {
				delete(s.subs, channel)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Infow("user disconnected from relay", "user_id", user)
}

func (s *Server) authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, ErrInvalidToken
	}
	return s.minter.Validate(token)
}

func (s *Server) handleFrame(sess *session, frame wireFrame) error {
	switch frame.Type {
	case frameSubscribe:
		return s.handleSubscribe(sess, frame.Channel)
	case frameUnsubscribe:
		return s.handleUnsubscribe(sess, frame.Channel)
	case frameSignal:
		return s.handleSignal(sess, frame.Envelope)
	default:
		return fmt.Errorf("unknown frame type: %s", frame.Type)
	}
}

func (s *Server) handleSubscribe(sess *session, channel domain.ChannelID) error {
	if channel == "" {
		return missingField("channel")
	}

	s.mu.Lock()
	members, ok := s.subs[channel]
	if !ok {
		members = make(map[domain.UserID]*session)
		s.subs[channel] = members
	}
	members[sess.user] = sess
	s.mu.Unlock()

	s.logger.Debugw("user subscribed", "user_id", sess.user, "channel_id", channel)
	return nil
}

func (s *Server) handleUnsubscribe(sess *session, channel domain.ChannelID) error {
	if channel == "" {
		return missingField("channel")
	}

	s.mu.Lock()
	if members, ok := s.subs[channel]; ok && members[sess.user] == sess {
		delete(members, sess.user)
		if len(members) == 0 {
			delete(s.subs, channel)
		}
	}
	s.mu.Unlock()

	s.logger.Debugw("user unsubscribed", "user_id", sess.user, "channel_id", channel)
	return nil
}

// handleSignal fans one envelope out to the channel's subscribers. The
// envelope is decoded only far enough to route it; payloads stay opaque.
func (s *Server) handleSignal(sess *session, raw json.RawMessage) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	if env.From != sess.user {
		return fmt.Errorf("from mismatch: socket authenticated as %s, envelope says %s", sess.user, env.From)
	}
	if env.Expired(time.Now()) {
		s.logger.Debugw("dropping expired envelope",
			"envelope_id", env.ID,
			"kind", env.Kind,
			"from", env.From,
		)
		return nil
	}

	s.mu.RLock()
	members := s.subs[env.ChannelID]
	targets := make([]*session, 0, len(members))
	for user, member := range members {
		if user == sess.user {
			continue
		}
		if env.To != domain.EveryoneID && env.To != user {
			continue
		}
		targets = append(targets, member)
	}
	s.mu.RUnlock()

	// An absent target is not an error: late joiners recover addressed
	// envelopes through the catch-up log.
	frame := wireFrame{Type: frameSignal, Channel: env.ChannelID, Envelope: raw}
	for _, target := range targets {
		if err := target.write(frame, s.cfg.WriteTimeout); err != nil {
			s.logger.Warnw("failed to deliver envelope",
				"envelope_id", env.ID,
				"to", target.user,
				"error", err,
			)
		}
	}

	s.logger.Debugw("routed envelope",
		"envelope_id", env.ID,
		"kind", env.Kind,
		"channel_id", env.ChannelID,
		"from", env.From,
		"to", env.To,
		"delivered", len(targets),
	)
	return nil
}

func (s *Server) sendError(sess *session, message string) {
	frame := wireFrame{Type: frameError, Message: message}
	if err := sess.write(frame, s.cfg.WriteTimeout); err != nil {
		s.logger.Debugw("failed to send error frame", "user_id", sess.user, "error", err)
	}
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.sessions)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ConnectedUsers lists users currently holding a relay socket.
func (s *Server) ConnectedUsers() []domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserID, 0, len(s.sessions))
	for user := range s.sessions {
		users = append(users, user)
	}
	return users
}

func (s *Server) IsConnected(user domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.sessions[user]
	return exists
}
