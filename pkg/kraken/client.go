package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
)

const (
	defaultBaseURL      = "https://api.kraken.com"
	defaultHTTPTimeout  = 15 * time.Second
	defaultRetryBackoff = 250 * time.Millisecond
	maxAttempts         = 3
	maxNonceAttempts    = 5
)

// Client coordinates signed requests against the Kraken REST API.
type Client struct {
	baseURL    string
	key        string
	secret     []byte
	httpClient *http.Client
	clock      func() time.Time

	nonceMu   sync.Mutex
	lastNonce int64

	metaMu sync.RWMutex
	meta   map[string]*PairMetadata
}

// ClientOption customises the REST client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBaseURL overrides the API base URL (primarily for testing).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithClock overrides the time source (primarily for testing).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewClient constructs a Kraken REST client. Key and secret may be empty for
// public-only use; private calls then fail with a descriptive error.
func NewClient(key, secret string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		baseURL:    defaultBaseURL,
		key:        key,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		clock:      time.Now,
		meta:       make(map[string]*PairMetadata),
	}
	if secret != "" {
		decoded, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("kraken: decode api secret: %w", err)
		}
		c.secret = decoded
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// nonce returns a strictly increasing millisecond timestamp.
func (c *Client) nonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := c.clock().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// sign computes API-Sign: HMAC-SHA512(secret, path || SHA256(nonce || body)),
// base64 encoded.
func (c *Client) sign(path, nonce, body string) string {
	sha := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, c.secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) public(ctx context.Context, endpoint string, params url.Values, result any) error {
	path := "/0/public/" + endpoint
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.withRetry(ctx, endpoint, maxAttempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("kraken: build %s request: %w", endpoint, err)
		}
		return c.do(req, endpoint, result)
	})
}

func (c *Client) private(ctx context.Context, endpoint string, params url.Values, result any) error {
	attempts := maxAttempts
	if endpoint == "OpenOrders" {
		attempts = maxNonceAttempts
	}
	return c.withRetry(ctx, endpoint, attempts, func() error {
		return c.privateOnce(ctx, endpoint, params, result)
	})
}

func (c *Client) privateOnce(ctx context.Context, endpoint string, params url.Values, result any) error {
	if c.key == "" || len(c.secret) == 0 {
		return fmt.Errorf("kraken: %s requires api credentials", endpoint)
	}
	path := "/0/private/" + endpoint

	form := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}
	nonce := strconv.FormatInt(c.nonce(), 10)
	form.Set("nonce", nonce)
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("kraken: build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("API-Key", c.key)
	req.Header.Set("API-Sign", c.sign(path, nonce, body))
	return c.do(req, endpoint, result)
}

func (c *Client) do(req *http.Request, endpoint string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrTransport, endpoint, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrParse, endpoint, err)
	}
	if len(env.Error) > 0 {
		return &ExchangeError{Endpoint: endpoint, Messages: env.Error}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("%w: %s: decode result: %v", ErrParse, endpoint, err)
		}
	}
	return nil
}

// withRetry runs fn with linear backoff. Transport failures are always
// retried; exchange errors retry only on the nonce/timeout texts and only
// for the OpenOrders endpoint (which gets the extended attempt count).
func (c *Client) withRetry(ctx context.Context, endpoint string, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(endpoint, err) || attempt == attempts {
			return lastErr
		}
		logx.Infof("kraken: %s attempt %d failed, retrying: %v", endpoint, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultRetryBackoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func retryable(endpoint string, err error) bool {
	if IsExchangeError(err, "") {
		if endpoint != "OpenOrders" {
			return false
		}
		return IsExchangeError(err, "Invalid nonce") || IsExchangeError(err, "timeout")
	}
	// Transport and parse failures may be transient upstream hiccups.
	return true
}

// ServerTime returns the exchange unix time in seconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var out struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := c.public(ctx, "Time", nil, &out); err != nil {
		return 0, err
	}
	return out.UnixTime, nil
}

// Assets returns the asset directory keyed by asset code.
func (c *Client) Assets(ctx context.Context) (map[string]string, error) {
	var out map[string]struct {
		Altname string `json:"altname"`
	}
	if err := c.public(ctx, "Assets", nil, &out); err != nil {
		return nil, err
	}
	assets := make(map[string]string, len(out))
	for code, a := range out {
		assets[code] = a.Altname
	}
	return assets, nil
}

type assetPairPayload struct {
	Altname        string `json:"altname"`
	WSName         string `json:"wsname"`
	Base           string `json:"base"`
	Quote          string `json:"quote"`
	PairDecimals   int32  `json:"pair_decimals"`
	LotDecimals    int32  `json:"lot_decimals"`
	OrderMin       string `json:"ordermin"`
	CostMin        string `json:"costmin"`
}

// AssetPair fetches and caches metadata for one pair. The cache lives for
// the process; InvalidatePairMetadata drops it.
func (c *Client) AssetPair(ctx context.Context, pair string) (*PairMetadata, error) {
	p := NormalizePair(pair)

	c.metaMu.RLock()
	cached, ok := c.meta[p.REST]
	c.metaMu.RUnlock()
	if ok {
		return cached, nil
	}

	params := url.Values{"pair": {p.REST}}
	var out map[string]assetPairPayload
	if err := c.public(ctx, "AssetPairs", params, &out); err != nil {
		return nil, err
	}
	for _, payload := range out {
		meta := &PairMetadata{
			Altname:        payload.Altname,
			WSName:         payload.WSName,
			Base:           payload.Base,
			Quote:          payload.Quote,
			PriceDecimals:  payload.PairDecimals,
			VolumeDecimals: payload.LotDecimals,
			OrderMin:       parseFloat(payload.OrderMin),
			CostMin:        parseFloat(payload.CostMin),
		}
		c.metaMu.Lock()
		c.meta[p.REST] = meta
		c.metaMu.Unlock()
		return meta, nil
	}
	return nil, fmt.Errorf("kraken: pair %s not found", pair)
}

// InvalidatePairMetadata drops the cached metadata for a pair.
func (c *Client) InvalidatePairMetadata(pair string) {
	p := NormalizePair(pair)
	c.metaMu.Lock()
	delete(c.meta, p.REST)
	c.metaMu.Unlock()
}

// Ticker returns best ask/bid and last trade price for a pair.
func (c *Client) Ticker(ctx context.Context, pair string) (*Ticker, error) {
	p := NormalizePair(pair)
	var out map[string]struct {
		Ask  []string `json:"a"`
		Bid  []string `json:"b"`
		Last []string `json:"c"`
	}
	if err := c.public(ctx, "Ticker", url.Values{"pair": {p.REST}}, &out); err != nil {
		return nil, err
	}
	for _, payload := range out {
		t := &Ticker{}
		if len(payload.Ask) > 0 {
			t.Ask = parseFloat(payload.Ask[0])
		}
		if len(payload.Bid) > 0 {
			t.Bid = parseFloat(payload.Bid[0])
		}
		if len(payload.Last) > 0 {
			t.Last = parseFloat(payload.Last[0])
		}
		return t, nil
	}
	return nil, fmt.Errorf("kraken: ticker for %s not found", pair)
}

// OHLC fetches candles for a pair at the given interval in minutes. Kraken
// returns up to 720 bars; callers trim to the count they need.
func (c *Client) OHLC(ctx context.Context, pair string, interval int, since int64) ([]Candle, error) {
	p := NormalizePair(pair)
	params := url.Values{
		"pair":     {p.REST},
		"interval": {strconv.Itoa(interval)},
	}
	if since > 0 {
		params.Set("since", strconv.FormatInt(since, 10))
	}

	var out map[string]json.RawMessage
	if err := c.public(ctx, "OHLC", params, &out); err != nil {
		return nil, err
	}
	for key, raw := range out {
		if key == "last" {
			continue
		}
		// Rows mix numeric timestamps with string-encoded prices:
		// [time, "open", "high", "low", "close", "vwap", "volume", count].
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("%w: OHLC: decode rows: %v", ErrParse, err)
		}
		candles := make([]Candle, 0, len(rows))
		for _, row := range rows {
			if len(row) < 8 {
				continue
			}
			candles = append(candles, Candle{
				Time:   int64(toFloat(row[0])),
				Open:   toFloat(row[1]),
				High:   toFloat(row[2]),
				Low:    toFloat(row[3]),
				Close:  toFloat(row[4]),
				VWAP:   toFloat(row[5]),
				Volume: toFloat(row[6]),
				Trades: int(toFloat(row[7])),
			})
		}
		sort.Slice(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
		return candles, nil
	}
	return []Candle{}, nil
}

// RecentOHLC returns the trailing count candles for the interval.
func (c *Client) RecentOHLC(ctx context.Context, pair string, interval, count int) ([]Candle, error) {
	candles, err := c.OHLC(ctx, pair, interval, 0)
	if err != nil {
		return nil, err
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// Balance returns account balances keyed by asset code.
func (c *Client) Balance(ctx context.Context) (map[string]float64, error) {
	var out map[string]string
	if err := c.private(ctx, "Balance", nil, &out); err != nil {
		return nil, err
	}
	balances := make(map[string]float64, len(out))
	for asset, amount := range out {
		balances[asset] = parseFloat(amount)
	}
	return balances, nil
}

// AddOrder submits an order. Numeric fields travel as strings.
func (c *Client) AddOrder(ctx context.Context, order OrderRequest) (*AddOrderResponse, error) {
	params := url.Values{
		"pair":      {order.Pair},
		"type":      {order.Side},
		"ordertype": {order.OrderType},
		"volume":    {order.Volume},
	}
	if order.Price != "" {
		params.Set("price", order.Price)
	}
	if order.UserRef != 0 {
		params.Set("userref", strconv.FormatInt(int64(order.UserRef), 10))
	}
	if order.Validate {
		params.Set("validate", "true")
	}

	var out struct {
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
		TxID []string `json:"txid"`
	}
	if err := c.private(ctx, "AddOrder", params, &out); err != nil {
		return nil, err
	}
	return &AddOrderResponse{Description: out.Descr.Order, TxIDs: out.TxID}, nil
}

type restOrderPayload struct {
	Status  string `json:"status"`
	OpenTm  float64 `json:"opentm"`
	CloseTm float64 `json:"closetm"`
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Cost    string `json:"cost"`
	Fee     string `json:"fee"`
	Price   string `json:"price"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// OpenOrders lists currently open orders. This endpoint carries the extended
// retry allowance for nonce collisions.
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var out struct {
		Open map[string]restOrderPayload `json:"open"`
	}
	if err := c.private(ctx, "OpenOrders", nil, &out); err != nil {
		return nil, err
	}
	orders := make([]OpenOrder, 0, len(out.Open))
	for txid, o := range out.Open {
		orders = append(orders, OpenOrder{
			TxID:      txid,
			Pair:      o.Descr.Pair,
			Side:      o.Descr.Type,
			OrderType: o.Descr.OrderType,
			Price:     parseFloat(o.Descr.Price),
			Volume:    parseFloat(o.Vol),
			VolumeExe: parseFloat(o.VolExec),
			Status:    o.Status,
			OpenedAt:  o.OpenTm,
		})
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].OpenedAt < orders[j].OpenedAt })
	return orders, nil
}

// ClosedOrders lists recently closed orders.
func (c *Client) ClosedOrders(ctx context.Context) ([]ClosedOrder, error) {
	var out struct {
		Closed map[string]restOrderPayload `json:"closed"`
	}
	if err := c.private(ctx, "ClosedOrders", nil, &out); err != nil {
		return nil, err
	}
	orders := make([]ClosedOrder, 0, len(out.Closed))
	for txid, o := range out.Closed {
		orders = append(orders, ClosedOrder{
			TxID:     txid,
			Pair:     o.Descr.Pair,
			Side:     o.Descr.Type,
			Status:   o.Status,
			Price:    parseFloat(o.Price),
			Volume:   parseFloat(o.VolExec),
			Cost:     parseFloat(o.Cost),
			Fee:      parseFloat(o.Fee),
			ClosedAt: o.CloseTm,
		})
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ClosedAt < orders[j].ClosedAt })
	return orders, nil
}

// CancelOrder cancels a single order by transaction id.
func (c *Client) CancelOrder(ctx context.Context, txid string) error {
	return c.private(ctx, "CancelOrder", url.Values{"txid": {txid}}, nil)
}

// CancelAll cancels every open order.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.private(ctx, "CancelAll", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// WebSocketToken issues a short-lived token for the private socket.
func (c *Client) WebSocketToken(ctx context.Context) (string, time.Duration, error) {
	var out struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"`
	}
	if err := c.private(ctx, "GetWebSocketsToken", nil, &out); err != nil {
		return "", 0, err
	}
	expires := time.Duration(out.Expires) * time.Second
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return out.Token, expires, nil
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return parseFloat(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	default:
		return 0
	}
}
