package mexc

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

const testSecret = "45d0b3c26f2644f19bfb98b07741b2f5"

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "mx-key", APISecret: testSecret, Timeout: time.Second})
	c.SetClock(func() time.Time { return time.UnixMilli(1644489390087) })
	return c
}

func signal() domain.TradeSignal {
	return domain.TradeSignal{
		Action:   domain.OrderSideBuy,
		Symbol:   "BTC",
		Quantity: 1,
		Price:    11,
		Venue:    Name,
	}
}

func TestOpenSendsSignedLimitOrder(t *testing.T) {
	var rawQuery, apiKey, method string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		rawQuery = r.URL.RawQuery
		apiKey = r.Header.Get("X-MEXC-APIKEY")
		method = r.Method
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"C02__443776347957968896","price":"11","origQty":"1","type":"LIMIT","side":"BUY"}`))
	})

	ref, err := c.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, "C02__443776347957968896", ref.OrderID)
	assert.Equal(t, Name, ref.Venue)
	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "mx-key", apiKey)

	payload, sig, ok := strings.Cut(rawQuery, "&signature=")
	require.True(t, ok)
	assert.Equal(t, "price=11&quantity=1&recvWindow=5000&side=BUY&symbol=BTCUSDT&timestamp=1644489390087&type=LIMIT", payload)
	assert.Equal(t, "dd70895e937dcd54776fd8eea4cdd609ce0e76d495d646be6c92e4fb8559dd4a", sig)

	auth := crypto.MEXCAuth{Secret: testSecret}
	assert.Equal(t, auth.Sign(payload), sig)
}

func TestOpenSendsClientOrderID(t *testing.T) {
	var clientID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		clientID = r.URL.Query().Get("newClientOrderId")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"C02__1"}`))
	})

	sig := signal()
	sig.ClientOrderID = "pos-7"
	_, err := c.Open(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, "pos-7", clientID)
}

func TestOpenDuplicateClientOrderReturnsExisting(t *testing.T) {
	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		q := r.URL.Query()
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-2010,"msg":"Duplicate order sent."}`))
		case http.MethodGet:
			assert.Equal(t, "pos-7", q.Get("origClientOrderId"))
			assert.Equal(t, "BTCUSDT", q.Get("symbol"))
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"C02__first","status":"NEW"}`))
		}
	})

	sig := signal()
	sig.ClientOrderID = "pos-7"
	ref, err := c.Open(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, "C02__first", ref.OrderID)
	assert.Equal(t, []string{http.MethodPost, http.MethodGet}, methods)
}

func TestOpenRejectsNonFiniteAmounts(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	inf := signal()
	inf.Price = math.Inf(1)
	var err error
	require.NotPanics(t, func() { _, err = c.Open(context.Background(), inf) })
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))

	_, err = c.Close(context.Background(), domain.VenueOrderRef{Symbol: "BTC", Side: domain.OrderSideBuy, Quantity: math.NaN()})
	require.Error(t, err)
	assert.False(t, called)
}

func TestCancelDeletesOrder(t *testing.T) {
	var method, orderID string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		orderID = r.URL.Query().Get("orderId")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"C02__1","status":"CANCELED"}`))
	})

	require.NoError(t, c.Cancel(context.Background(), domain.VenueOrderRef{OrderID: "C02__1", Symbol: "BTC"}))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "C02__1", orderID)
}

func TestCloseSendsOffsettingMarketOrder(t *testing.T) {
	var side, typ, qty string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		side, typ, qty = q.Get("side"), q.Get("type"), q.Get("quantity")
		w.Write([]byte(`{"orderId":"close-1"}`))
	})

	res, err := c.Close(context.Background(), domain.VenueOrderRef{OrderID: "o1", Symbol: "ETH", Side: domain.OrderSideSell, Quantity: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "close-1", res.CloseRef)
	assert.False(t, res.Confirmed)
	assert.Equal(t, "BUY", side)
	assert.Equal(t, "MARKET", typ)
	assert.Equal(t, "0.5", qty)
}

func TestQueryComputesAverageAndMark(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathOrder:
			assert.Equal(t, "o1", r.URL.Query().Get("orderId"))
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":"o1","executedQty":"2","cummulativeQuoteQty":"84000","status":"FILLED"}`))
		case pathTicker:
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			w.Write([]byte(`{"symbol":"BTCUSDT","price":"43000"}`))
		default:
			http.NotFound(w, r)
		}
	})

	report, err := c.Query(context.Background(), domain.VenueOrderRef{OrderID: "o1", Symbol: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusFilled, report.Status)
	assert.Equal(t, 2.0, report.FilledQuantity)
	assert.Equal(t, 42000.0, report.AveragePrice)
	assert.Equal(t, 43000.0, report.MarkPrice)
}

func TestQueryPendingSkipsTicker(t *testing.T) {
	tickerCalls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathTicker {
			tickerCalls++
		}
		w.Write([]byte(`{"orderId":"o1","executedQty":"0","cummulativeQuoteQty":"0","status":"NEW"}`))
	})

	report, err := c.Query(context.Background(), domain.VenueOrderRef{OrderID: "o1", Symbol: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusPendingFill, report.Status)
	assert.Zero(t, tickerCalls)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		order OrderStatus
		want  domain.VenueStatus
	}{
		{OrderStatus{Status: "NEW"}, domain.VenueStatusPendingFill},
		{OrderStatus{Status: "PARTIALLY_FILLED", ExecutedQty: "0.3", CummulativeQuoteQty: "3"}, domain.VenueStatusPartiallyFilled},
		{OrderStatus{Status: "FILLED", ExecutedQty: "1", CummulativeQuoteQty: "10"}, domain.VenueStatusFilled},
		{OrderStatus{Status: "CANCELED", ExecutedQty: "0"}, domain.VenueStatusRejected},
		{OrderStatus{Status: "PARTIALLY_CANCELED", ExecutedQty: "0.2", CummulativeQuoteQty: "2"}, domain.VenueStatusClosed},
		{OrderStatus{Status: "SOMETHING"}, domain.VenueStatusUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalize(tc.order).Status, tc.order.Status)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusInternalServerError, `{"code":500,"msg":"internal"}`, true},
		{"unavailable", http.StatusServiceUnavailable, ``, true},
		{"throttled", http.StatusTooManyRequests, `{"code":429,"msg":"too many"}`, true},
		{"bad request", http.StatusBadRequest, `{"code":30004,"msg":"Insufficient position"}`, false},
		{"unauthorized", http.StatusUnauthorized, `{"code":700002,"msg":"Signature for this request is not valid."}`, false},
		{"not found", http.StatusNotFound, `{"code":-2013,"msg":"Order does not exist."}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			_, err := c.Open(context.Background(), signal())
			require.Error(t, err)

			var ve *domain.VenueError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.retryable, ve.Retryable)
			assert.Equal(t, tc.status, ve.StatusCode)
		})
	}
}

func TestMalformedBodyIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})
	_, err := c.Open(context.Background(), signal())
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}
