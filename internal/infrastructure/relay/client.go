package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"peercall/internal/core/domain"
	"peercall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrNotConnected = errors.New("relay not connected")

// Frame types exchanged with the relay. Signal frames carry an envelope;
// subscribe/unsubscribe scope which channels the relay fans out to us.
const (
	frameSignal      = "signal"
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	frameError       = "error"
)

type wireFrame struct {
	Type     string           `json:"type"`
	Channel  domain.ChannelID `json:"channel,omitempty"`
	Envelope json.RawMessage  `json:"envelope,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// ClientConfig carries the relay connection knobs.
type ClientConfig struct {
	URL               string
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageBytes   int64
	Reconnect         retry.Config
}

// Client maintains one authenticated websocket to the relay. It owns the
// reconnect loop: a dropped connection is redialed with a fresh token and
// the active channel subscriptions replayed, so callers above never see
// the flap beyond failed sends.
type Client struct {
	cfg        ClientConfig
	self       domain.UserID
	minter     *TokenMinter
	onEnvelope func(*domain.SignalEnvelope)
	logger     *zap.SugaredLogger

	limiter *rate.Limiter

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[domain.ChannelID]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(cfg ClientConfig, self domain.UserID, minter *TokenMinter, onEnvelope func(*domain.SignalEnvelope), logger *zap.SugaredLogger) *Client {
	return &Client{
		cfg:        cfg,
		self:       self,
		minter:     minter,
		onEnvelope: onEnvelope,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
		subs:       make(map[domain.ChannelID]struct{}),
		closed:     make(chan struct{}),
	}
}

// Connect dials the relay and starts the read and keepalive loops. The
// first dial fails fast; later drops are redialed in the background.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(conn)

	c.logger.Infow("connected to relay", "url", c.cfg.URL)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.minter.Mint(c.self)
	if err != nil {
		return nil, fmt.Errorf("mint relay token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay dial %s: %w", c.cfg.URL, err)
	}

	conn.SetReadLimit(c.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	return conn, nil
}

// run owns one connection from first read to reconnect. It returns only
// when the client closes.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		c.readLoop(conn)

		select {
		case <-c.closed:
			return
		default:
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		c.logger.Warnw("relay connection lost, reconnecting", "url", c.cfg.URL)

		// Bound the backoff by the client lifetime so Close interrupts a
		// reconnect that is still waiting out its delay.
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.closed:
			case <-ctx.Done():
			}
			cancel()
		}()
		next, err := retry.RetryWithResult(ctx, c.cfg.Reconnect, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		})
		cancel()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Errorw("relay reconnect gave up", "error", err)
			}
			return
		}

		c.mu.Lock()
		select {
		case <-c.closed:
			c.mu.Unlock()
			next.Close()
			return
		default:
		}
		c.conn = next
		subs := make([]domain.ChannelID, 0, len(c.subs))
		for ch := range c.subs {
			subs = append(subs, ch)
		}
		c.mu.Unlock()

		// Re-scope our channels; missed fan-out is recovered through the
		// envelope log by whoever needs it.
		for _, ch := range subs {
			if err := c.sendFrame(context.Background(), wireFrame{Type: frameSubscribe, Channel: ch}); err != nil {
				c.logger.Warnw("failed to resubscribe after reconnect", "channel_id", ch, "error", err)
			}
		}

		c.logger.Infow("relay reconnected", "url", c.cfg.URL, "resubscribed", len(subs))
		conn = next
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	pingStop := make(chan struct{})
	c.wg.Add(1)
	go c.pingLoop(conn, pingStop)
	defer close(pingStop)
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("relay read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		c.handleFrame(data)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-stop:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Client) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Debugw("dropping unparseable relay frame", "error", err)
		return
	}

	switch frame.Type {
	case frameSignal:
		env, err := DecodeEnvelope(frame.Envelope)
		if err != nil {
			c.logger.Debugw("dropping malformed envelope", "error", err)
			return
		}
		c.onEnvelope(env)
	case frameError:
		c.logger.Warnw("relay reported error", "message", frame.Message)
	default:
		c.logger.Debugw("ignoring unknown relay frame", "type", frame.Type)
	}
}

// SendSignal publishes one encoded envelope, paced by the outbound rate
// limiter.
func (c *Client) SendSignal(ctx context.Context, envelope []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return c.sendFrame(ctx, wireFrame{Type: frameSignal, Envelope: envelope})
}

// Subscribe asks the relay to fan the channel out to us. The subscription
// is remembered and replayed on reconnect.
func (c *Client) Subscribe(ctx context.Context, channel domain.ChannelID) error {
	c.mu.Lock()
	c.subs[channel] = struct{}{}
	c.mu.Unlock()

	if err := c.sendFrame(ctx, wireFrame{Type: frameSubscribe, Channel: channel}); err != nil {
		c.mu.Lock()
		delete(c.subs, channel)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, channel domain.ChannelID) error {
	c.mu.Lock()
	delete(c.subs, channel)
	c.mu.Unlock()
	return c.sendFrame(ctx, wireFrame{Type: frameUnsubscribe, Channel: channel})
}

// Connected reports whether a live socket is currently held. False while
// the reconnect loop is between attempts.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) sendFrame(ctx context.Context, frame wireFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode relay frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.conn != nil {
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	return nil
}
