package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

const (
	testKey    = "key"
	testSecret = "secret"
)

func signatureOK(payload string) bool {
	idx := strings.LastIndex(payload, "&signature=")
	if idx < 0 {
		return false
	}
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(payload[:idx]))
	return hex.EncodeToString(h.Sum(nil)) == payload[idx+len("&signature="):]
}

func newTestClient(t *testing.T, mux *http.ServeMux) *BinanceFutures {
	t.Helper()
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.HandleFunc("GET /fapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
	})
	mux.HandleFunc("GET /fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"symbols":[{"symbol":"BTCUSDT","filters":[{"filterType":"PRICE_FILTER","tickSize":"0.10"},{"filterType":"LOT_SIZE","stepSize":"0.001"}]}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return NewBinanceFutures(7, Options{
		BaseURL:          srv.URL,
		APIKey:           testKey,
		APISecret:        testSecret,
		RequestsPerSec:   1000,
		FillPollAttempts: 3,
		FillPollDelay:    time.Millisecond,
	}, zap.NewNop())
}

func TestSignedRequest_CanonicalQueryIsSigned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fapi/v2/balance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != testKey || !signatureOK(r.URL.RawQuery) {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"code":-1022,"msg":"Signature for this request is not valid."}`)
			return
		}
		assert.Equal(t, "5000", r.URL.Query().Get("recvWindow"))
		assert.NotEmpty(t, r.URL.Query().Get("timestamp"))
		io.WriteString(w, `[{"asset":"BNB","availableBalance":"1"},{"asset":"USDT","availableBalance":"1523.5"}]`)
	})
	c := newTestClient(t, mux)

	bal, err := c.WalletBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1523.5, bal)
}

func TestAPIError_Decoded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fapi/v2/balance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	})
	c := newTestClient(t, mux)

	_, err := c.WalletBalance(context.Background())
	require.Error(t, err)
	assert.Equal(t, -2019, apiCode(err))
}

func TestSyncClock_ClampsOffset(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("GET /fapi/v1/time", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().Add(time.Hour).UnixMilli())
	})

	c := NewBinanceFutures(1, Options{BaseURL: srv.URL, MaxClockOffset: 30 * time.Second, RequestsPerSec: 100}, zap.NewNop())
	require.NoError(t, c.syncClock(context.Background()))
	assert.Equal(t, 30*time.Second, c.ClockOffset())
}

func TestOpenMarketOrder_PollsUntilFilled(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, signatureOK(string(body)))
		assert.Contains(t, string(body), "type=MARKET")
		assert.Contains(t, string(body), "newClientOrderId=ladder-")
		io.WriteString(w, `{"orderId":101,"symbol":"BTCUSDT","status":"NEW","side":"BUY","avgPrice":"0","executedQty":"0"}`)
	})
	mux.HandleFunc("GET /fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 2 {
			io.WriteString(w, `{"orderId":101,"symbol":"BTCUSDT","status":"NEW","avgPrice":"0","executedQty":"0"}`)
			return
		}
		io.WriteString(w, `{"orderId":101,"symbol":"BTCUSDT","status":"FILLED","side":"BUY","avgPrice":"45010.5","executedQty":"0.099","updateTime":1700000000000}`)
	})
	c := newTestClient(t, mux)

	fill, err := c.OpenMarketOrder(context.Background(), "BTCUSDT", domain.SideBuy, 0.099)
	require.NoError(t, err)
	assert.Equal(t, "101", fill.OrderID)
	assert.Equal(t, 45010.5, fill.Price)
	assert.Equal(t, 0.099, fill.Quantity)
	assert.Equal(t, domain.SideBuy, fill.Side)
	assert.EqualValues(t, 2, atomic.LoadInt32(&polls))
}

func TestOpenMarketOrder_UnconfirmedSendsSafetyClose(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		io.WriteString(w, `{"orderId":5,"symbol":"BTCUSDT","status":"NEW","avgPrice":"0","executedQty":"0"}`)
	})
	mux.HandleFunc("GET /fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderId":5,"symbol":"BTCUSDT","status":"NEW","avgPrice":"0","executedQty":"0"}`)
	})
	c := newTestClient(t, mux)

	_, err := c.OpenMarketOrder(context.Background(), "BTCUSDT", domain.SideBuy, 0.5)
	require.ErrorIs(t, err, domain.ErrNotFilled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	assert.Contains(t, bodies[1], "side=SELL")
	assert.Contains(t, bodies[1], "reduceOnly=true")
}

func TestPlaceStop_FloorsToTickSize(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "STOP_MARKET", r.PostForm.Get("type"))
		assert.Equal(t, "SELL", r.PostForm.Get("side"))
		assert.Equal(t, "42750.1", r.PostForm.Get("stopPrice"))
		assert.Equal(t, "true", r.PostForm.Get("reduceOnly"))
		io.WriteString(w, `{"orderId":900,"symbol":"BTCUSDT","status":"NEW"}`)
	})
	c := newTestClient(t, mux)

	id, err := c.PlaceStop(context.Background(), "BTCUSDT", domain.SideBuy, 42750.1999, 0.099)
	require.NoError(t, err)
	assert.Equal(t, "900", id)
}

func TestCancelStops_UnknownOrderCountsAsCancelled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /fapi/v1/batchOrders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "[11,12]", r.URL.Query().Get("orderIdList"))
		io.WriteString(w, `[{"orderId":11,"status":"CANCELED"},{"code":-2011,"msg":"Unknown order sent."}]`)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.CancelStops(context.Background(), "BTCUSDT", []string{"11", "12"}))
	require.NoError(t, c.CancelStops(context.Background(), "BTCUSDT", nil))
}

func TestCancelStops_OtherRejectionFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /fapi/v1/batchOrders", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"code":-1003,"msg":"Too many requests."}]`)
	})
	c := newTestClient(t, mux)

	err := c.CancelStops(context.Background(), "BTCUSDT", []string{"11"})
	require.Error(t, err)
	assert.Equal(t, -1003, apiCode(err))
}

func TestRecentStopFills_FiltersFilledReduceOnlyStops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fapi/v1/allOrders", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[
			{"orderId":1,"symbol":"BTCUSDT","status":"FILLED","type":"MARKET","origType":"MARKET","reduceOnly":false,"avgPrice":"100","executedQty":"1"},
			{"orderId":2,"symbol":"BTCUSDT","status":"CANCELED","type":"STOP_MARKET","origType":"STOP_MARKET","reduceOnly":true},
			{"orderId":3,"symbol":"BTCUSDT","status":"FILLED","type":"MARKET","origType":"STOP_MARKET","side":"SELL","reduceOnly":true,"avgPrice":"95.5","executedQty":"1"}
		]`)
	})
	c := newTestClient(t, mux)

	events, err := c.RecentStopFills(context.Background(), "BTCUSDT", 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "3", events[0].OrderID)
	assert.Equal(t, int64(7), events[0].UserID)
	assert.Equal(t, 95.5, events[0].AvgPrice)
}

func TestDailyCandles_DropsFormingBar(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fapi/v1/klines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		io.WriteString(w, `[
			[1000,"1","2","0.5","1.5","10",1999],
			[2000,"1.5","2","1","1.2","10",2999],
			[3000,"1.2","1.4","1","1.3","10",3999]
		]`)
	})
	c := newTestClient(t, mux)

	candles, err := c.DailyCandles(context.Background(), "BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1000), candles[0].Time)
	assert.Equal(t, 1.2, candles[1].Close)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		u    orderUpdate
		want eventKind
	}{
		{"stop filled", orderUpdate{OrderType: "MARKET", OrigType: "STOP_MARKET", Status: "FILLED", ReduceOnly: true}, eventStopExecuted},
		{"take profit filled", orderUpdate{OrderType: "TAKE_PROFIT_MARKET", OrigType: "TAKE_PROFIT_MARKET", Status: "FILLED", ReduceOnly: true}, eventStopExecuted},
		{"stop partially filled", orderUpdate{OrigType: "STOP_MARKET", Status: "PARTIALLY_FILLED", ReduceOnly: true}, eventIgnored},
		{"opening market", orderUpdate{OrderType: "MARKET", OrigType: "MARKET", Status: "FILLED"}, eventIgnored},
		{"engine close", orderUpdate{OrderType: "MARKET", OrigType: "MARKET", Status: "FILLED", ReduceOnly: true, ClientOrderID: "ladder-abc"}, eventIgnored},
		{"manual close", orderUpdate{OrderType: "MARKET", OrigType: "MARKET", Status: "FILLED", ReduceOnly: true, ClientOrderID: "web_123"}, eventManualClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.u, "ladder"))
		})
	}
}
