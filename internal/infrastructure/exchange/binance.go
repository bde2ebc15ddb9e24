package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vitos/futures_ladder/internal/config"
	"github.com/vitos/futures_ladder/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BinanceBaseURL = "https://fapi.binance.com"
	BinanceWSURL   = "wss://fstream.binance.com/ws"

	quoteAsset = "USDT"

	codeTimestampOutside = -1021
	codeUnknownOrder     = -2011
	codeNoNeedToChange   = -4059
	codeLeverageNoChange = -4046
)

// APIError is a rejection returned by the exchange.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance error status=%d code=%d: %s", e.Status, e.Code, e.Message)
}

func apiCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// Options configures one BinanceFutures client.
type Options struct {
	BaseURL          string
	WSURL            string
	APIKey           string
	APISecret        string
	RecvWindow       int64 // milliseconds
	TimeSyncInterval time.Duration
	MaxClockOffset   time.Duration
	RequestsPerSec   float64
	HTTPTimeout      time.Duration
	FillPollAttempts int
	FillPollDelay    time.Duration
	ListenKeyRefresh time.Duration
	ReconnectDelay   time.Duration
	ClientOrderTag   string
}

// OptionsFrom builds client options from the exchange section of the config.
func OptionsFrom(cfg config.ExchangeConfig, apiKey, apiSecret string) Options {
	return Options{
		BaseURL:          cfg.RESTEndpoint,
		WSURL:            cfg.WSEndpoint,
		APIKey:           apiKey,
		APISecret:        apiSecret,
		RecvWindow:       cfg.RecvWindowMs,
		TimeSyncInterval: cfg.TimeSyncInterval,
		MaxClockOffset:   cfg.MaxClockOffset,
		RequestsPerSec:   cfg.RequestsPerSec,
		HTTPTimeout:      cfg.HTTPTimeout,
		FillPollAttempts: cfg.FillPollAttempts,
		FillPollDelay:    cfg.FillPollDelay,
		ListenKeyRefresh: cfg.ListenKeyRefresh,
		ReconnectDelay:   cfg.ReconnectDelay,
		ClientOrderTag:   cfg.ClientOrderTag,
	}
}

func (o *Options) withDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = BinanceBaseURL
	}
	if o.WSURL == "" {
		o.WSURL = BinanceWSURL
	}
	if o.RecvWindow == 0 {
		o.RecvWindow = 5000
	}
	if o.TimeSyncInterval == 0 {
		o.TimeSyncInterval = 10 * time.Minute
	}
	if o.MaxClockOffset == 0 {
		o.MaxClockOffset = time.Minute
	}
	if o.RequestsPerSec == 0 {
		o.RequestsPerSec = 10
	}
	if o.HTTPTimeout == 0 {
		o.HTTPTimeout = 10 * time.Second
	}
	if o.FillPollAttempts == 0 {
		o.FillPollAttempts = 10
	}
	if o.FillPollDelay == 0 {
		o.FillPollDelay = 500 * time.Millisecond
	}
	if o.ListenKeyRefresh == 0 {
		o.ListenKeyRefresh = 30 * time.Minute
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.ClientOrderTag == "" {
		o.ClientOrderTag = "ladder"
	}
}

// BinanceFutures is the USDⓈ-M futures client of one account. A client
// without credentials only serves public endpoints.
type BinanceFutures struct {
	opts    Options
	userID  int64
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	clockMu  sync.Mutex
	offset   time.Duration
	syncedAt time.Time

	filterMu sync.Mutex
	filters  map[string]symbolFilters

	prepMu       sync.Mutex
	prepared     map[string]int
	oneWayModeOK bool

	streamMu sync.Mutex
	stream   *UserStream
}

func NewBinanceFutures(userID int64, opts Options, logger *zap.Logger) *BinanceFutures {
	opts.withDefaults()
	return &BinanceFutures{
		opts:     opts,
		userID:   userID,
		client:   &http.Client{Timeout: opts.HTTPTimeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSec), int(opts.RequestsPerSec)+1),
		logger:   logger.With(zap.Int64("user_id", userID)),
		now:      time.Now,
		filters:  make(map[string]symbolFilters),
		prepared: make(map[string]int),
	}
}

// --- signing and transport ---

func (b *BinanceFutures) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(b.opts.APISecret))
	_, _ = io.WriteString(h, payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ClockOffset reports the current server-minus-local correction.
func (b *BinanceFutures) ClockOffset() time.Duration {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	return b.offset
}

// syncClock refreshes the server time offset once it is older than the sync
// interval. The offset is clamped to MaxClockOffset.
func (b *BinanceFutures) syncClock(ctx context.Context) error {
	b.clockMu.Lock()
	fresh := !b.syncedAt.IsZero() && b.now().Sub(b.syncedAt) < b.opts.TimeSyncInterval
	b.clockMu.Unlock()
	if fresh {
		return nil
	}

	before := b.now()
	body, err := b.do(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return err
	}
	after := b.now()

	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}

	local := before.Add(after.Sub(before) / 2)
	offset := time.UnixMilli(res.ServerTime).Sub(local)
	if offset > b.opts.MaxClockOffset || offset < -b.opts.MaxClockOffset {
		b.logger.Warn("Clock offset beyond bound, clamping", zap.Duration("offset", offset))
		if offset > 0 {
			offset = b.opts.MaxClockOffset
		} else {
			offset = -b.opts.MaxClockOffset
		}
	}

	b.clockMu.Lock()
	b.offset = offset
	b.syncedAt = after
	b.clockMu.Unlock()
	return nil
}

func (b *BinanceFutures) invalidateClock() {
	b.clockMu.Lock()
	b.syncedAt = time.Time{}
	b.clockMu.Unlock()
}

func (b *BinanceFutures) timestamp() int64 {
	b.clockMu.Lock()
	defer b.clockMu.Unlock()
	return b.now().Add(b.offset).UnixMilli()
}

// signed issues a private call: timestamp and recvWindow are added to the
// canonical query string, which is then signed.
func (b *BinanceFutures) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := b.syncClock(ctx); err != nil {
		b.logger.Warn("Server time sync failed, signing with last offset", zap.Error(err))
	}
	body, err := b.do(ctx, method, path, params, true)
	if apiCode(err) == codeTimestampOutside {
		b.invalidateClock()
	}
	return body, err
}

func (b *BinanceFutures) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return b.do(ctx, http.MethodGet, path, params, false)
}

func (b *BinanceFutures) do(ctx context.Context, method, path string, params url.Values, sign bool) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	if sign {
		params.Set("timestamp", strconv.FormatInt(b.timestamp(), 10))
		params.Set("recvWindow", strconv.FormatInt(b.opts.RecvWindow, 10))
	}
	query := params.Encode()
	if sign {
		sig := b.sign(query)
		if query != "" {
			query += "&"
		}
		query += "signature=" + sig
	}

	target := b.opts.BaseURL + path
	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut:
		body = strings.NewReader(query)
	default:
		if query != "" {
			target += "?" + query
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if b.opts.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.opts.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		metrics.Requests.WithLabelValues(path, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	metrics.Requests.WithLabelValues(path, strconv.Itoa(resp.StatusCode/100)+"xx").Inc()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(respBody)}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Code != 0 {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		}
		return nil, apiErr
	}

	return respBody, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
