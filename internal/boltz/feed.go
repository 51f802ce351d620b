package boltz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Klingon-tech/klingswap/pkg/logging"
)

const (
	channelSwapUpdate = "swap.update"
	eventUpdate       = "update"

	defaultPingInterval = 30 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultMinBackoff   = time.Second
	defaultMaxBackoff   = 30 * time.Second

	updateBuffer = 16
	maxFrameSize = 1 << 20
)

// Subscription is a live stream of updates for one swap.
type Subscription interface {
	// Updates delivers updates in the order they were received. The channel
	// is closed after Close.
	Updates() <-chan Update
	Close() error
}

// FeedConfig configures websocket subscriptions.
type FeedConfig struct {
	URL string

	PingInterval time.Duration
	ReadTimeout  time.Duration
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// WebsocketURL derives the feed endpoint from the REST root.
func WebsocketURL(apiURL string) string {
	u := strings.TrimSuffix(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v2/ws"
}

func (c *FeedConfig) withDefaults() FeedConfig {
	out := *c
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.MinBackoff <= 0 {
		out.MinBackoff = defaultMinBackoff
	}
	if out.MaxBackoff < out.MinBackoff {
		out.MaxBackoff = defaultMaxBackoff
		if out.MaxBackoff < out.MinBackoff {
			out.MaxBackoff = out.MinBackoff
		}
	}
	return out
}

// FeedDialer opens subscriptions against one websocket endpoint.
type FeedDialer struct {
	cfg    FeedConfig
	dialer *websocket.Dialer
	log    *logging.Logger
}

// NewFeedDialer creates a dialer for cfg.URL.
func NewFeedDialer(cfg FeedConfig) *FeedDialer {
	return &FeedDialer{
		cfg: cfg.withDefaults(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		log: logging.GetDefault().Component("feed"),
	}
}

// Subscribe connects and subscribes to swapID. The first connection is made
// before returning; later disconnects are repaired in the background.
func (d *FeedDialer) Subscribe(ctx context.Context, swapID string) (Subscription, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		swapID:  swapID,
		cfg:     d.cfg,
		dialer:  d.dialer,
		updates: make(chan Update, updateBuffer),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     d.log.With("swap_id", swapID),
	}

	conn, err := f.connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go f.run(conn)
	return f, nil
}

// Feed is a websocket subscription to one swap's status updates.
type Feed struct {
	swapID  string
	cfg     FeedConfig
	dialer  *websocket.Dialer
	updates chan Update

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	reconnects atomic.Int64
	closeOnce  sync.Once
	log        *logging.Logger
}

// Updates returns the ordered update stream.
func (f *Feed) Updates() <-chan Update {
	return f.updates
}

// Reconnects returns how many times the feed reconnected.
func (f *Feed) Reconnects() int64 {
	return f.reconnects.Load()
}

// Close stops the feed and waits for its goroutines to exit.
func (f *Feed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		f.mu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.mu.Unlock()
		<-f.done
		f.log.Debug("Feed closed")
	})
	return nil
}

// connect dials and sends the subscription.
func (f *Feed) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNetwork, f.cfg.URL, err)
	}

	sub := map[string]interface{}{
		"op":      "subscribe",
		"channel": channelSwapUpdate,
		"args":    []string{f.swapID},
	}
	conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %w", ErrNetwork, err)
	}
	conn.SetWriteDeadline(time.Time{})

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx.Err() != nil {
		conn.Close()
		return nil, ErrFeedClosed
	}
	f.conn = conn

	f.log.Debug("Subscribed", "url", f.cfg.URL)
	return conn, nil
}

// run reads from conn and reconnects with exponential backoff until Close.
func (f *Feed) run(conn *websocket.Conn) {
	defer close(f.done)
	defer close(f.updates)

	for {
		err := f.readLoop(conn)
		if f.ctx.Err() != nil {
			return
		}
		f.log.Warn("Feed disconnected", "error", err)

		conn = f.reconnect()
		if conn == nil {
			return
		}
		f.reconnects.Add(1)
		f.log.Info("Feed reconnected", "reconnects", f.reconnects.Load())
	}
}

func (f *Feed) reconnect() *websocket.Conn {
	backoff := f.cfg.MinBackoff
	for {
		select {
		case <-f.ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := f.connect(f.ctx)
		if err == nil {
			return conn
		}
		if f.ctx.Err() != nil {
			return nil
		}
		f.log.Debug("Reconnect failed", "error", err, "backoff", backoff)

		backoff *= 2
		if backoff > f.cfg.MaxBackoff {
			backoff = f.cfg.MaxBackoff
		}
	}
}

// readLoop delivers updates from one connection until it fails.
func (f *Feed) readLoop(conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	go f.pingLoop(conn, stopPing)
	defer func() {
		close(stopPing)
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Debug("Feed read error", "error", err)
			}
			return err
		}
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		for _, u := range f.decode(message) {
			select {
			case f.updates <- u:
			case <-f.ctx.Done():
				return f.ctx.Err()
			}
		}
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(defaultWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				f.log.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

type feedMessage struct {
	Event   string            `json:"event"`
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
	Error   string            `json:"error,omitempty"`
}

// decode extracts the updates for our swap from one frame.
// Acks, errors, other channels and other swaps are dropped.
func (f *Feed) decode(message []byte) []Update {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		f.log.Warn("Dropping malformed frame", "error", err)
		return nil
	}

	if msg.Event != eventUpdate {
		switch msg.Event {
		case "error":
			f.log.Warn("Provider feed error", "error", msg.Error)
		default:
			f.log.Debug("Ignoring feed event", "event", msg.Event)
		}
		return nil
	}
	if msg.Channel != "" && msg.Channel != channelSwapUpdate {
		return nil
	}

	var out []Update
	for _, raw := range msg.Args {
		var u Update
		if err := json.Unmarshal(raw, &u); err != nil {
			f.log.Warn("Dropping malformed update", "error", err)
			continue
		}
		if u.ID != "" && u.ID != f.swapID {
			continue
		}
		if u.Status == "" {
			continue
		}
		u.ID = f.swapID
		out = append(out, u)
	}
	return out
}

var _ Subscription = (*Feed)(nil)
