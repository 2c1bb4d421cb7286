package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	publicWSURL  = "wss://ws.kraken.com/v2"
	privateWSURL = "wss://ws-auth.kraken.com/v2"

	wsWriteWait      = 10 * time.Second
	wsAckWait        = 10 * time.Second
	reconnectDelay   = 1 * time.Second
	tokenSafetyGap   = 5 * time.Second
	defaultTokenLife = 15 * time.Minute
)

// OHLCHandler receives candle updates for a subscribed pair/interval.
type OHLCHandler func(OHLCUpdate)

// BookHandler receives book snapshots and deltas for a subscribed pair.
type BookHandler func(BookDelta)

// ExecutionHandler receives trade fills from the private executions channel.
type ExecutionHandler func(Execution)

// subKey identifies a subscription: (channel, symbol, interval) for ohlc,
// (channel, symbol) for book, and a singleton key for executions.
type subKey struct {
	Channel  string
	Symbol   string
	Interval int
}

type subscription struct {
	key        subKey
	params     map[string]any
	ohlc       OHLCHandler
	book       BookHandler
	exec       ExecutionHandler
	subscribed bool
}

// Subscription is an opaque handle bound to one registry entry.
type Subscription struct {
	mgr     *WSManager
	private bool
	key     subKey
}

// Unsubscribe removes the registry entry and best-effort notifies the server.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	if s == nil || s.mgr == nil {
		return nil
	}
	return s.mgr.unsubscribe(ctx, s.private, s.key)
}

// TokenSource issues private WebSocket tokens.
type TokenSource interface {
	WebSocketToken(ctx context.Context) (string, time.Duration, error)
}

// WSManager multiplexes the public and private Kraken v2 sockets. Each
// socket connects lazily on first subscribe, keeps a registry of active
// subscriptions, and re-sends every registered subscription after a
// reconnect.
type WSManager struct {
	mu sync.Mutex

	publicURL  string
	privateURL string
	dialer     *websocket.Dialer
	tokens     TokenSource

	autoReconnect bool
	closed        bool

	pub  *wsSocket
	priv *wsSocket

	token       string
	tokenExpiry time.Time

	reqID int64
}

// WSOption customises the WebSocket manager.
type WSOption func(*WSManager)

// WithPublicURL overrides the public endpoint (primarily for testing).
func WithPublicURL(u string) WSOption {
	return func(m *WSManager) {
		if u != "" {
			m.publicURL = u
		}
	}
}

// WithPrivateURL overrides the private endpoint (primarily for testing).
func WithPrivateURL(u string) WSOption {
	return func(m *WSManager) {
		if u != "" {
			m.privateURL = u
		}
	}
}

// WithAutoReconnect toggles reconnect-and-resubscribe on socket close.
func WithAutoReconnect(enabled bool) WSOption {
	return func(m *WSManager) { m.autoReconnect = enabled }
}

// wsReconnectDelay is a variable so tests can shorten the wait.
var wsReconnectDelay = reconnectDelay

// NewWSManager constructs a manager. tokens may be nil when only public
// channels are used.
func NewWSManager(tokens TokenSource, opts ...WSOption) *WSManager {
	m := &WSManager{
		publicURL:     publicWSURL,
		privateURL:    privateWSURL,
		dialer:        &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		tokens:        tokens,
		autoReconnect: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type wsSocket struct {
	mgr     *WSManager
	private bool
	url     string

	conn    *websocket.Conn
	writeMu sync.Mutex

	subs map[subKey]*subscription

	ackMu   sync.Mutex
	pending map[int64]chan ackResult
}

type ackResult struct {
	success bool
	errText string
}

// SubscribeOHLC registers a candle handler for pair at interval minutes.
// Re-subscribing an existing key swaps the handler without duplicating the
// registry entry.
func (m *WSManager) SubscribeOHLC(ctx context.Context, pair string, interval int, h OHLCHandler) (*Subscription, error) {
	p := NormalizePair(pair)
	key := subKey{Channel: "ohlc", Symbol: CanonicalSymbol(p.WS), Interval: interval}
	sub := &subscription{
		key: key,
		params: map[string]any{
			"channel":  "ohlc",
			"symbol":   []string{p.WS},
			"interval": interval,
		},
		ohlc: h,
	}
	return m.subscribe(ctx, false, sub)
}

// SubscribeBook registers a book handler for pair at the given depth.
func (m *WSManager) SubscribeBook(ctx context.Context, pair string, depth int, h BookHandler) (*Subscription, error) {
	p := NormalizePair(pair)
	key := subKey{Channel: "book", Symbol: CanonicalSymbol(p.WS)}
	sub := &subscription{
		key: key,
		params: map[string]any{
			"channel":  "book",
			"symbol":   []string{p.WS},
			"depth":    depth,
			"snapshot": true,
		},
		book: h,
	}
	return m.subscribe(ctx, false, sub)
}

// SubscribeExecutions registers the private fills handler.
func (m *WSManager) SubscribeExecutions(ctx context.Context, h ExecutionHandler) (*Subscription, error) {
	key := subKey{Channel: "executions"}
	sub := &subscription{
		key: key,
		params: map[string]any{
			"channel":     "executions",
			"snap_trades": false,
		},
		exec: h,
	}
	return m.subscribe(ctx, true, sub)
}

func (m *WSManager) subscribe(ctx context.Context, private bool, sub *subscription) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("kraken: ws manager is closed")
	}
	sock, err := m.socketLocked(private)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if existing, ok := sock.subs[sub.key]; ok {
		existing.ohlc, existing.book, existing.exec = sub.ohlc, sub.book, sub.exec
		m.mu.Unlock()
		return &Subscription{mgr: m, private: private, key: sub.key}, nil
	}
	sock.subs[sub.key] = sub
	m.mu.Unlock()

	if err := m.sendSubscribe(ctx, sock, sub); err != nil {
		sub.subscribed = false
		return nil, err
	}
	return &Subscription{mgr: m, private: private, key: sub.key}, nil
}

func (m *WSManager) sendSubscribe(ctx context.Context, sock *wsSocket, sub *subscription) error {
	params := make(map[string]any, len(sub.params)+1)
	for k, v := range sub.params {
		params[k] = v
	}
	if sock.private {
		token, err := m.wsToken(ctx)
		if err != nil {
			return fmt.Errorf("kraken: fetch ws token: %w", err)
		}
		params["token"] = token
	}

	m.mu.Lock()
	m.reqID++
	id := m.reqID
	m.mu.Unlock()

	ack := sock.registerAck(id)
	defer sock.dropAck(id)

	if err := sock.sendJSON(map[string]any{
		"method": "subscribe",
		"req_id": id,
		"params": params,
	}); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, sub.key.Channel, err)
	}

	select {
	case res := <-ack:
		if !res.success {
			return fmt.Errorf("kraken: subscribe %s rejected: %s", sub.key.Channel, res.errText)
		}
		sub.subscribed = true
		return nil
	case <-time.After(wsAckWait):
		return fmt.Errorf("kraken: subscribe %s: ack timeout", sub.key.Channel)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *WSManager) unsubscribe(ctx context.Context, private bool, key subKey) error {
	m.mu.Lock()
	sock := m.pub
	if private {
		sock = m.priv
	}
	if sock == nil {
		m.mu.Unlock()
		return nil
	}
	sub, ok := sock.subs[key]
	delete(sock.subs, key)
	m.mu.Unlock()
	if !ok || sock.conn == nil {
		return nil
	}

	params := make(map[string]any, len(sub.params)+1)
	for k, v := range sub.params {
		params[k] = v
	}
	if private {
		if token, err := m.wsToken(ctx); err == nil {
			params["token"] = token
		}
	}
	if err := sock.sendJSON(map[string]any{"method": "unsubscribe", "params": params}); err != nil {
		logx.Infof("kraken: unsubscribe %s send failed: %v", key.Channel, err)
	}
	return nil
}

// socketLocked returns the socket for the requested side, dialing lazily.
// Caller holds m.mu.
func (m *WSManager) socketLocked(private bool) (*wsSocket, error) {
	sock := m.pub
	if private {
		sock = m.priv
	}
	if sock == nil {
		u := m.publicURL
		if private {
			u = m.privateURL
		}
		sock = &wsSocket{
			mgr:     m,
			private: private,
			url:     u,
			subs:    make(map[subKey]*subscription),
			pending: make(map[int64]chan ackResult),
		}
		if private {
			m.priv = sock
		} else {
			m.pub = sock
		}
	}
	if sock.conn == nil {
		if err := sock.dial(); err != nil {
			return nil, err
		}
	}
	return sock, nil
}

func (s *wsSocket) dial() error {
	conn, _, err := s.mgr.dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, s.url, err)
	}
	s.conn = conn
	go s.readLoop(conn)
	return nil
}

func (s *wsSocket) sendJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) registerAck(id int64) chan ackResult {
	ch := make(chan ackResult, 1)
	s.ackMu.Lock()
	s.pending[id] = ch
	s.ackMu.Unlock()
	return ch
}

func (s *wsSocket) dropAck(id int64) {
	s.ackMu.Lock()
	delete(s.pending, id)
	s.ackMu.Unlock()
}

func (s *wsSocket) resolveAck(id int64, res ackResult) {
	s.ackMu.Lock()
	ch, ok := s.pending[id]
	s.ackMu.Unlock()
	if ok {
		select {
		case ch <- res:
		default:
		}
	}
}

func (s *wsSocket) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.onClosed(conn, err)
			return
		}
		s.handleFrame(raw)
	}
}

func (s *wsSocket) onClosed(conn *websocket.Conn, cause error) {
	m := s.mgr
	m.mu.Lock()
	if s.conn != conn {
		// A newer connection replaced this one already.
		m.mu.Unlock()
		return
	}
	s.conn = nil
	for _, sub := range s.subs {
		sub.subscribed = false
	}
	closed := m.closed
	shouldReconnect := !closed && m.autoReconnect && len(s.subs) > 0
	m.mu.Unlock()

	_ = conn.Close()
	if closed {
		return
	}
	logx.Infof("kraken: ws %s closed: %v", s.url, cause)
	if shouldReconnect {
		go s.reconnect()
	}
}

// reconnect waits, redials, and re-sends every registered subscription with
// its original parameters. Handlers stay attached across reconnects.
func (s *wsSocket) reconnect() {
	time.Sleep(wsReconnectDelay)

	m := s.mgr
	m.mu.Lock()
	if m.closed || s.conn != nil {
		m.mu.Unlock()
		return
	}
	if err := s.dial(); err != nil {
		m.mu.Unlock()
		logx.Errorf("kraken: ws reconnect %s failed: %v", s.url, err)
		go s.reconnect()
		return
	}
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, sub := range subs {
		if err := m.sendSubscribe(ctx, s, sub); err != nil {
			logx.Errorf("kraken: resubscribe %s %s failed: %v", sub.key.Channel, sub.key.Symbol, err)
		}
	}
}

// wsToken returns the cached private-socket token, refreshing when it is
// within the safety gap of its declared expiry.
func (m *WSManager) wsToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.token != "" && time.Now().Before(m.tokenExpiry.Add(-tokenSafetyGap)) {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	if m.tokens == nil {
		return "", fmt.Errorf("kraken: no token source configured")
	}
	token, life, err := m.tokens.WebSocketToken(ctx)
	if err != nil {
		return "", err
	}
	if life <= 0 {
		life = defaultTokenLife
	}
	m.mu.Lock()
	m.token = token
	m.tokenExpiry = time.Now().Add(life)
	m.mu.Unlock()
	return token, nil
}

// Close tears down both sockets and disables reconnection.
func (m *WSManager) Close() {
	m.mu.Lock()
	m.closed = true
	conns := []*wsSocket{m.pub, m.priv}
	m.mu.Unlock()
	for _, sock := range conns {
		if sock != nil && sock.conn != nil {
			_ = sock.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = sock.conn.Close()
		}
	}
}

// ActiveSubscriptions reports the registry size for one side.
func (m *WSManager) ActiveSubscriptions(private bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sock := m.pub
	if private {
		sock = m.priv
	}
	if sock == nil {
		return 0
	}
	return len(sock.subs)
}

type wsFrame struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Method  string          `json:"method"`
	ReqID   int64           `json:"req_id"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
}

func (s *wsSocket) handleFrame(raw []byte) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logx.Errorf("kraken: ws frame decode failed: %v", err)
		return
	}

	if frame.Method != "" {
		if frame.Success != nil {
			s.resolveAck(frame.ReqID, ackResult{success: *frame.Success, errText: frame.Error})
		}
		return
	}

	switch frame.Channel {
	case "heartbeat", "status":
		// Keep-alive noise.
	case "ohlc":
		s.dispatchOHLC(frame)
	case "book":
		s.dispatchBook(frame)
	case "executions":
		s.dispatchExecutions(frame)
	default:
		logx.Debugf("kraken: ws unknown channel %q", frame.Channel)
	}
}
