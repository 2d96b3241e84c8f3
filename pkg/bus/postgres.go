package bus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NOTIFY payloads are capped by the server (8000 bytes by default). Oversized
// publishes are rejected rather than truncated: a clipped envelope would fail
// decoding on every receiver anyway.
const maxNotifyPayload = 7800

// Reconnect backoff bounds for the dedicated LISTEN connection.
const (
	reconnectBackoffMin = 500 * time.Millisecond
	reconnectBackoffMax = 30 * time.Second
)

// notifyFrame wraps a published message so the full topic survives the trip
// through the hashed channel name.
type notifyFrame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// listenCmd is a LISTEN/UNLISTEN command executed by the receive loop, the
// sole goroutine that touches the dedicated pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// PostgresTransport implements the bus transport over PostgreSQL
// NOTIFY/LISTEN. Publishes go through a connection pool; a dedicated
// connection carries all LISTENs. Topics are hashed to channel identifiers
// because topic URIs exceed PostgreSQL's identifier alphabet.
type PostgresTransport struct {
	dsn  string
	pool *pgxpool.Pool

	conn   *pgx.Conn
	connMu sync.Mutex

	// channel name → set of topics that hash to it; topic → raw handler.
	channels   map[string]map[string]bool
	handlers   map[string]RawHandler
	channelsMu sync.RWMutex

	cmdCh      chan listenCmd
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	backoffMin time.Duration
	backoffMax time.Duration

	mu        sync.Mutex
	connected bool
	logger    *slog.Logger
}

var _ Transport = (*PostgresTransport)(nil)

// NewPostgresTransport creates a transport for the given connection string.
func NewPostgresTransport(dsn string) *PostgresTransport {
	return &PostgresTransport{
		dsn:        dsn,
		channels:   make(map[string]map[string]bool),
		handlers:   make(map[string]RawHandler),
		cmdCh:      make(chan listenCmd, 16),
		backoffMin: reconnectBackoffMin,
		backoffMax: reconnectBackoffMax,
		logger:     slog.With("component", "bus.postgres"),
	}
}

// SetReconnectBackoff overrides the LISTEN reconnect backoff window. Must be
// called before Connect.
func (t *PostgresTransport) SetReconnectBackoff(minBackoff, maxBackoff time.Duration) {
	if minBackoff > 0 {
		t.backoffMin = minBackoff
	}
	if maxBackoff >= t.backoffMin {
		t.backoffMax = maxBackoff
	}
}

// channelName maps a topic URI to a LISTEN-able identifier.
func channelName(topic string) string {
	sum := sha256.Sum256([]byte(topic))
	return "hsp_" + hex.EncodeToString(sum[:12])
}

// Connect opens the publish pool and the dedicated LISTEN connection, then
// starts the receive loop. Idempotent.
func (t *PostgresTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}

	pool, err := pgxpool.New(ctx, t.dsn)
	if err != nil {
		return fmt.Errorf("failed to open publish pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("bus database unreachable: %w", err)
	}

	conn, err := pgx.Connect(ctx, t.dsn)
	if err != nil {
		pool.Close()
		return fmt.Errorf("failed to open LISTEN connection: %w", err)
	}

	t.pool = pool
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancelLoop = cancel
	t.loopDone = make(chan struct{})
	go func() {
		defer close(t.loopDone)
		t.receiveLoop(loopCtx)
	}()

	t.connected = true
	t.logger.Info("Postgres bus transport connected")
	return nil
}

// Disconnect stops the receive loop and closes both connections. Idempotent.
func (t *PostgresTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.connected = false

	t.cancelLoop()
	<-t.loopDone

	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close(ctx)
		t.conn = nil
	}
	t.connMu.Unlock()

	t.pool.Close()
	t.pool = nil
	t.logger.Info("Postgres bus transport disconnected")
	return nil
}

// Publish sends data to a topic via pg_notify on the hashed channel.
func (t *PostgresTransport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	pool := t.pool
	t.mu.Unlock()
	if pool == nil {
		return fmt.Errorf("postgres transport is disconnected")
	}

	frame, err := json.Marshal(notifyFrame{Topic: topic, Data: data})
	if err != nil {
		return fmt.Errorf("failed to frame message for %s: %w", topic, err)
	}
	if len(frame) > maxNotifyPayload {
		return fmt.Errorf("message for %s exceeds NOTIFY payload limit (%d > %d bytes)", topic, len(frame), maxNotifyPayload)
	}

	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channelName(topic), string(frame)); err != nil {
		return fmt.Errorf("publish to %s rejected: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler and LISTENs on the topic's channel.
func (t *PostgresTransport) Subscribe(ctx context.Context, topic string, handler RawHandler) error {
	ch := channelName(topic)

	t.channelsMu.Lock()
	t.handlers[topic] = handler
	firstForChannel := len(t.channels[ch]) == 0
	if t.channels[ch] == nil {
		t.channels[ch] = make(map[string]bool)
	}
	t.channels[ch][topic] = true
	t.channelsMu.Unlock()

	if !firstForChannel {
		return nil
	}
	return t.execListen(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize())
}

// Unsubscribe removes the handler and UNLISTENs when the channel has no
// remaining topics.
func (t *PostgresTransport) Unsubscribe(ctx context.Context, topic string) error {
	ch := channelName(topic)

	t.channelsMu.Lock()
	delete(t.handlers, topic)
	if topics := t.channels[ch]; topics != nil {
		delete(topics, topic)
		if len(topics) > 0 {
			t.channelsMu.Unlock()
			return nil
		}
		delete(t.channels, ch)
	}
	t.channelsMu.Unlock()

	return t.execListen(ctx, "UNLISTEN "+pgx.Identifier{ch}.Sanitize())
}

// execListen routes a LISTEN/UNLISTEN statement through the receive loop to
// avoid the "conn busy" race with WaitForNotification.
func (t *PostgresTransport) execListen(ctx context.Context, sql string) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("postgres transport is disconnected")
	}

	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case t.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("%s failed: %w", sql, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop is the sole user of the dedicated connection: it drains
// pending LISTEN commands, waits for notifications, and reconnects with
// jittered exponential backoff after connection loss.
func (t *PostgresTransport) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t.processPendingCmds(ctx)

		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()
		if conn == nil {
			t.reconnect(ctx)
			continue
		}

		// Short wait so pending LISTEN/UNLISTEN commands are serviced
		// promptly between notifications.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			t.logger.Error("NOTIFY receive error", "error", err)
			t.connMu.Lock()
			_ = conn.Close(ctx)
			t.conn = nil
			t.connMu.Unlock()
			continue
		}

		t.dispatch(notification.Payload)
	}
}

func (t *PostgresTransport) dispatch(payload string) {
	var frame notifyFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		t.logger.Warn("Dropping unframed notification", "error", err)
		return
	}

	t.channelsMu.RLock()
	handler := t.handlers[frame.Topic]
	t.channelsMu.RUnlock()
	if handler == nil {
		// Hash collision or late unsubscribe; not an error.
		return
	}
	handler(frame.Topic, frame.Data)
}

func (t *PostgresTransport) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-t.cmdCh:
			t.connMu.Lock()
			conn := t.conn
			t.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the LISTEN connection and re-subscribes every
// registered channel.
func (t *PostgresTransport) reconnect(ctx context.Context) {
	backoff := t.backoffMin
	for {
		jittered := backoff/2 + rand.N(backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}

		conn, err := pgx.Connect(ctx, t.dsn)
		if err != nil {
			t.logger.Error("LISTEN reconnect failed", "error", err, "backoff", jittered)
			backoff = min(backoff*2, t.backoffMax)
			continue
		}

		t.channelsMu.RLock()
		for ch := range t.channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				t.logger.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		t.channelsMu.RUnlock()

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		t.logger.Info("Postgres bus transport reconnected")
		return
	}
}
