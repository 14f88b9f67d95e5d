package relay

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"peercall/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRelay(t *testing.T) (*Server, *httptest.Server, *TokenMinter) {
	t.Helper()
	minter := NewTokenMinter("relay-test-secret", time.Minute)
	s := NewServer(ServerConfig{}, minter, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(srv.Close)
	return s, srv, minter
}

func dialRelay(t *testing.T, srv *httptest.Server, minter *TokenMinter, user domain.UserID) *websocket.Conn {
	t.Helper()
	token, err := minter.Mint(user)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribeAndWait(t *testing.T, s *Server, conn *websocket.Conn, channel domain.ChannelID, user domain.UserID) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(wireFrame{Type: frameSubscribe, Channel: channel}))
	waitSubscribed(t, s, channel, user)
}

func signalFrame(t *testing.T, env *domain.SignalEnvelope) wireFrame {
	t.Helper()
	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)
	return wireFrame{Type: frameSignal, Channel: env.ChannelID, Envelope: raw}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// expectNoFrame must be the last read on conn: a timed-out read leaves a
// gorilla connection unusable.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var frame wireFrame
	err := conn.ReadJSON(&frame)
	require.Error(t, err, "expected silence, got frame %+v", frame)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestServer_RejectsMissingToken(t *testing.T) {
	_, srv, _ := newTestRelay(t)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_RejectsBadToken(t *testing.T) {
	_, srv, _ := newTestRelay(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_BroadcastExcludesSender(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	bob := dialRelay(t, srv, minter, "bob")
	subscribeAndWait(t, s, alice, "voice-1", "alice")
	subscribeAndWait(t, s, bob, "voice-1", "bob")

	env := NewEnvelope(domain.KindJoin, "voice-1", "alice", domain.EveryoneID, time.Minute)
	require.NoError(t, alice.WriteJSON(signalFrame(t, env)))

	frame := readFrame(t, bob)
	assert.Equal(t, frameSignal, frame.Type)
	got, err := DecodeEnvelope(frame.Envelope)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, domain.UserID("alice"), got.From)

	expectNoFrame(t, alice)
}

func TestServer_DirectedDeliverySkipsOthers(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	bob := dialRelay(t, srv, minter, "bob")
	carol := dialRelay(t, srv, minter, "carol")
	subscribeAndWait(t, s, alice, "voice-1", "alice")
	subscribeAndWait(t, s, bob, "voice-1", "bob")
	subscribeAndWait(t, s, carol, "voice-1", "carol")

	directed := NewEnvelope(domain.KindOffer, "voice-1", "alice", "carol", time.Minute)
	directed.SDP = "v=0\r\n"
	require.NoError(t, alice.WriteJSON(signalFrame(t, directed)))

	// A broadcast sent afterward: if bob had seen the directed offer it
	// would arrive first.
	marker := NewEnvelope(domain.KindJoin, "voice-1", "alice", domain.EveryoneID, time.Minute)
	require.NoError(t, alice.WriteJSON(signalFrame(t, marker)))

	got, err := DecodeEnvelope(readFrame(t, carol).Envelope)
	require.NoError(t, err)
	assert.Equal(t, directed.ID, got.ID)

	got, err = DecodeEnvelope(readFrame(t, bob).Envelope)
	require.NoError(t, err)
	assert.Equal(t, marker.ID, got.ID, "bob must only see the broadcast")
}

func TestServer_FromMismatchRejected(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	subscribeAndWait(t, s, alice, "voice-1", "alice")

	forged := NewEnvelope(domain.KindJoin, "voice-1", "mallory", domain.EveryoneID, time.Minute)
	require.NoError(t, alice.WriteJSON(signalFrame(t, forged)))

	frame := readFrame(t, alice)
	assert.Equal(t, frameError, frame.Type)
	assert.Contains(t, frame.Message, "from mismatch")
}

func TestServer_ExpiredEnvelopeDropped(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	bob := dialRelay(t, srv, minter, "bob")
	subscribeAndWait(t, s, alice, "voice-1", "alice")
	subscribeAndWait(t, s, bob, "voice-1", "bob")

	stale := &domain.SignalEnvelope{
		ID:        "sig_stale",
		Kind:      domain.KindJoin,
		ChannelID: "voice-1",
		From:      "alice",
		To:        domain.EveryoneID,
		IssuedAt:  time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(-30 * time.Second),
	}
	require.NoError(t, alice.WriteJSON(signalFrame(t, stale)))

	expectNoFrame(t, bob)
}

func TestServer_MalformedEnvelopeReturnsError(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	subscribeAndWait(t, s, alice, "voice-1", "alice")

	frame := wireFrame{Type: frameSignal, Envelope: json.RawMessage(`{"kind":"offer"}`)}
	require.NoError(t, alice.WriteJSON(frame))

	reply := readFrame(t, alice)
	assert.Equal(t, frameError, reply.Type)
	assert.Contains(t, reply.Message, "decode envelope")
}

func TestServer_UnknownFrameType(t *testing.T) {
	_, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	require.NoError(t, alice.WriteJSON(wireFrame{Type: "bogus"}))

	reply := readFrame(t, alice)
	assert.Equal(t, frameError, reply.Type)
	assert.Contains(t, reply.Message, "unknown frame type")
}

func TestServer_UnsubscribeStopsDelivery(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	alice := dialRelay(t, srv, minter, "alice")
	bob := dialRelay(t, srv, minter, "bob")
	subscribeAndWait(t, s, alice, "voice-1", "alice")
	subscribeAndWait(t, s, bob, "voice-1", "bob")

	require.NoError(t, bob.WriteJSON(wireFrame{Type: frameUnsubscribe, Channel: "voice-1"}))
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.subs["voice-1"]["bob"]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	env := NewEnvelope(domain.KindJoin, "voice-1", "alice", domain.EveryoneID, time.Minute)
	require.NoError(t, alice.WriteJSON(signalFrame(t, env)))

	expectNoFrame(t, bob)
}

func TestServer_TracksConnectedUsers(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	dialRelay(t, srv, minter, "alice")
	dialRelay(t, srv, minter, "bob")

	require.Eventually(t, func() bool {
		return s.IsConnected("alice") && s.IsConnected("bob")
	}, 2*time.Second, 10*time.Millisecond)

	users := s.ConnectedUsers()
	assert.Len(t, users, 2)
	assert.False(t, s.IsConnected("carol"))
}

func TestServer_ReconnectReplacesSession(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	old := dialRelay(t, srv, minter, "alice")
	require.Eventually(t, func() bool { return s.IsConnected("alice") }, 2*time.Second, 10*time.Millisecond)

	fresh := dialRelay(t, srv, minter, "alice")
	subscribeAndWait(t, s, fresh, "voice-1", "alice")

	// The displaced socket is closed server-side.
	old.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireFrame
	err := old.ReadJSON(&frame)
	require.Error(t, err)

	// The replacement still counts as connected and keeps receiving.
	assert.True(t, s.IsConnected("alice"))

	bob := dialRelay(t, srv, minter, "bob")
	subscribeAndWait(t, s, bob, "voice-1", "bob")
	env := NewEnvelope(domain.KindJoin, "voice-1", "bob", domain.EveryoneID, time.Minute)
	require.NoError(t, bob.WriteJSON(signalFrame(t, env)))

	got, err := DecodeEnvelope(readFrame(t, fresh).Envelope)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
}

func TestServer_HealthCheck(t *testing.T) {
	s, srv, minter := newTestRelay(t)

	dialRelay(t, srv, minter, "alice")
	require.Eventually(t, func() bool { return s.IsConnected("alice") }, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	s.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["connections"])
}
