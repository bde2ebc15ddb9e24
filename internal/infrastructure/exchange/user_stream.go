package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/futures_ladder/internal/domain"
	"github.com/vitos/futures_ladder/internal/metrics"
	"go.uber.org/zap"
)

const (
	streamReadTimeout = 5 * time.Minute
	streamPingPeriod  = time.Minute
)

var errListenKeyExpired = errors.New("listen key expired")

type eventKind int

const (
	eventIgnored eventKind = iota
	eventStopExecuted
	eventManualClose
)

// orderUpdate is the "o" object of an ORDER_TRADE_UPDATE event.
type orderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	OrigType      string `json:"ot"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	AvgPrice      string `json:"ap"`
	FilledQty     string `json:"z"`
	ReduceOnly    bool   `json:"R"`
	ClosePosition bool   `json:"cp"`
	TradeTime     int64  `json:"T"`
}

type streamEvent struct {
	Type  string      `json:"e"`
	Order orderUpdate `json:"o"`
}

// classify filters to fully filled reduce-only orders: stop and take-profit
// types are stop executions, market orders not tagged by this engine are
// manual closes.
func classify(u orderUpdate, tag string) eventKind {
	if !(u.ReduceOnly || u.ClosePosition) || u.Status != "FILLED" {
		return eventIgnored
	}
	if stopOrderTypes[u.OrigType] || stopOrderTypes[u.OrderType] {
		return eventStopExecuted
	}
	if u.OrderType == "MARKET" && !strings.HasPrefix(u.ClientOrderID, tag+"-") {
		return eventManualClose
	}
	return eventIgnored
}

// UserStream keeps one user data stream alive: listen key, keep-alive and
// reconnect with a fresh key after any error.
type UserStream struct {
	ex      *BinanceFutures
	handler domain.ExecutionHandler
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu        sync.Mutex
	listenKey string
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
}

func newUserStream(ex *BinanceFutures, handler domain.ExecutionHandler) *UserStream {
	return &UserStream{
		ex:      ex,
		handler: handler,
		logger:  ex.logger.Named("stream"),
		dialer:  websocket.DefaultDialer,
	}
}

// StartStream opens the user data stream of this client. A second call is a no-op.
func (b *BinanceFutures) StartStream(ctx context.Context, handler domain.ExecutionHandler) {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	if b.stream != nil {
		return
	}
	b.stream = newUserStream(b, handler)
	b.stream.start(ctx)
}

// StopStream closes the stream and waits for its loop to exit.
func (b *BinanceFutures) StopStream() {
	b.streamMu.Lock()
	s := b.stream
	b.stream = nil
	b.streamMu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (s *UserStream) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

func (s *UserStream) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *UserStream) run(ctx context.Context) {
	defer close(s.done)
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.closeListenKey()
			return
		}
		s.logger.Warn("User stream dropped, reconnecting", zap.Error(err), zap.Duration("delay", s.ex.opts.ReconnectDelay))
		metrics.StreamReconnects.Inc()

		s.mu.Lock()
		s.listenKey = ""
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.ex.opts.ReconnectDelay):
		}
	}
}

// session runs one connection until it fails.
func (s *UserStream) session(ctx context.Context) error {
	key, err := s.ex.createListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := s.dialer.DialContext(ctx, s.ex.opts.WSURL+"/"+key, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listenKey = key
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Info("User stream connected")

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sessCtx, conn, key)

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		if err := s.dispatch(ctx, message); err != nil {
			return err
		}
	}
}

// keepAlive refreshes the listen key below its expiry and pings the socket.
func (s *UserStream) keepAlive(ctx context.Context, conn *websocket.Conn, key string) {
	refresh := time.NewTicker(s.ex.opts.ListenKeyRefresh)
	ping := time.NewTicker(streamPingPeriod)
	defer refresh.Stop()
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			if err := s.ex.keepAliveListenKey(ctx, key); err != nil {
				s.logger.Warn("Listen key keep-alive failed, forcing reconnect", zap.Error(err))
				conn.Close()
				return
			}
		case <-ping.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			s.mu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (s *UserStream) dispatch(ctx context.Context, message []byte) error {
	var ev streamEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Warn("Unreadable stream message", zap.Error(err))
		return nil
	}

	switch ev.Type {
	case "listenKeyExpired":
		return errListenKeyExpired
	case "ORDER_TRADE_UPDATE":
	default:
		return nil
	}

	kind := classify(ev.Order, s.ex.opts.ClientOrderTag)
	if kind == eventIgnored {
		return nil
	}
	exec := domain.ExecutionEvent{
		UserID:        s.ex.userID,
		Symbol:        ev.Order.Symbol,
		OrderID:       strconv.FormatInt(ev.Order.OrderID, 10),
		ClientOrderID: ev.Order.ClientOrderID,
		Side:          domain.Side(ev.Order.Side),
		OrderType:     ev.Order.OrigType,
		AvgPrice:      parseFloat(ev.Order.AvgPrice),
		Quantity:      parseFloat(ev.Order.FilledQty),
		Time:          time.UnixMilli(ev.Order.TradeTime),
	}
	s.logger.Info("Execution event", zap.String("symbol", exec.Symbol), zap.String("order_id", exec.OrderID),
		zap.String("type", exec.OrderType), zap.Float64("avg_price", exec.AvgPrice))

	// handlers may block on exchange calls; the read loop must keep draining
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Execution handler panic", zap.Any("panic", r))
			}
		}()
		if kind == eventStopExecuted {
			s.handler.HandleStopExecuted(ctx, exec)
		} else {
			s.handler.HandleManualClose(ctx, exec)
		}
	}()
	return nil
}

func (s *UserStream) closeListenKey() {
	s.mu.Lock()
	key := s.listenKey
	s.listenKey = ""
	s.mu.Unlock()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	params := url.Values{}
	params.Set("listenKey", key)
	_, _ = s.ex.do(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, false)
}

func (b *BinanceFutures) createListenKey(ctx context.Context) (string, error) {
	body, err := b.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", err
	}
	if res.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return res.ListenKey, nil
}

func (b *BinanceFutures) keepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := b.do(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false)
	return err
}
