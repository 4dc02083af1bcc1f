package kraken

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

const testSecret = "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg=="

var fixedClock = func() time.Time { return time.UnixMicro(1616492376594000) }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "key", APISecret: testSecret, Timeout: time.Second})
	c.SetClock(fixedClock)
	return c
}

func signal() domain.TradeSignal {
	return domain.TradeSignal{
		Action:   domain.OrderSideBuy,
		Symbol:   "BTC",
		Quantity: 1.25,
		Price:    37500,
		Venue:    Name,
	}
}

func TestOpenSendsSignedLimitOrder(t *testing.T) {
	var gotForm url.Values
	var gotSign, gotKey, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		gotSign = r.Header.Get("API-Sign")
		gotKey = r.Header.Get("API-Key")
		gotPath = r.URL.Path
		w.Write([]byte(`{"error":[],"result":{"descr":{"order":"buy 1.25 XBTUSD @ limit 37500"},"txid":["OUF4EM-FRGI2-MQMWZD"]}}`))
	})

	ref, err := c.Open(context.Background(), signal())
	require.NoError(t, err)
	assert.Equal(t, "OUF4EM-FRGI2-MQMWZD", ref.OrderID)
	assert.Equal(t, "BTC", ref.Symbol)
	assert.Equal(t, 1.25, ref.Quantity)

	assert.Equal(t, pathAddOrder, gotPath)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "limit", gotForm.Get("ordertype"))
	assert.Equal(t, "buy", gotForm.Get("type"))
	assert.Equal(t, "XBTUSD", gotForm.Get("pair"))
	assert.Equal(t, "1.25", gotForm.Get("volume"))
	assert.Equal(t, "37500", gotForm.Get("price"))
	assert.Equal(t, "1616492376594000", gotForm.Get("nonce"))

	auth := crypto.KrakenAuth{Key: "key", Secret: testSecret}
	want, err := auth.Sign(pathAddOrder, gotForm.Get("nonce"), crypto.Canonical(gotForm))
	require.NoError(t, err)
	assert.Equal(t, want, gotSign)
}

func TestOpenSendsClientOrderID(t *testing.T) {
	var gotForm url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.Write([]byte(`{"error":[],"result":{"txid":["O1"]}}`))
	})

	sig := signal()
	sig.ClientOrderID = "6f1c2b7e-8a51-4d7e-9a4e-1b2c3d4e5f60"
	_, err := c.Open(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, sig.ClientOrderID, gotForm.Get("cl_ord_id"))
}

func TestOpenDuplicateClientOrderReturnsExisting(t *testing.T) {
	const clientID = "6f1c2b7e-8a51-4d7e-9a4e-1b2c3d4e5f60"
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case pathAddOrder:
			w.Write([]byte(`{"error":["EOrder:Duplicate order"]}`))
		case pathOpenOrders:
			assert.Equal(t, clientID, form.Get("cl_ord_id"))
			w.Write([]byte(`{"error":[],"result":{"open":{}}}`))
		case pathClosedOrders:
			assert.Equal(t, clientID, form.Get("cl_ord_id"))
			w.Write([]byte(`{"error":[],"result":{"closed":{"OFIRST-1":{"status":"closed","vol":"1.25","vol_exec":"1.25"}},"count":1}}`))
		}
	})

	sig := signal()
	sig.ClientOrderID = clientID
	ref, err := c.Open(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, "OFIRST-1", ref.OrderID)
	assert.Equal(t, 1.25, ref.Quantity)
	assert.Equal(t, []string{pathAddOrder, pathOpenOrders, pathClosedOrders}, paths)
}

func TestOpenDuplicateWithoutMatchIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathAddOrder {
			w.Write([]byte(`{"error":["EOrder:Duplicate order"]}`))
			return
		}
		w.Write([]byte(`{"error":[],"result":{}}`))
	})

	sig := signal()
	sig.ClientOrderID = "abc"
	_, err := c.Open(context.Background(), sig)
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}

func TestOpenRejectsNonFiniteAmounts(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	inf := signal()
	inf.Quantity = math.Inf(1)
	nan := signal()
	nan.Price = math.NaN()

	for _, sig := range []domain.TradeSignal{inf, nan} {
		var err error
		require.NotPanics(t, func() { _, err = c.Open(context.Background(), sig) })
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrVenue)
		assert.False(t, domain.IsRetryable(err))
	}

	_, err := c.Close(context.Background(), domain.VenueOrderRef{Symbol: "BTC", Side: domain.OrderSideBuy, Quantity: math.Inf(1)})
	require.Error(t, err)
	assert.False(t, called)
}

func TestCancelSendsTxid(t *testing.T) {
	var gotForm url.Values
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		gotPath = r.URL.Path
		w.Write([]byte(`{"error":[],"result":{"count":1}}`))
	})

	require.NoError(t, c.Cancel(context.Background(), domain.VenueOrderRef{OrderID: "O1", Symbol: "BTC"}))
	assert.Equal(t, pathCancelOrder, gotPath)
	assert.Equal(t, "O1", gotForm.Get("txid"))
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	c := NewClient(Config{APISecret: testSecret})
	c.SetClock(fixedClock)
	a := c.nextNonce()
	b := c.nextNonce()
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}

func TestCloseSendsOffsettingMarketOrder(t *testing.T) {
	var gotForm url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.Write([]byte(`{"error":[],"result":{"txid":["OCLOSE-1"]}}`))
	})

	res, err := c.Close(context.Background(), domain.VenueOrderRef{OrderID: "O1", Symbol: "ETH", Side: domain.OrderSideBuy, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, "OCLOSE-1", res.CloseRef)
	assert.False(t, res.Confirmed)
	assert.Equal(t, "market", gotForm.Get("ordertype"))
	assert.Equal(t, "sell", gotForm.Get("type"))
	assert.Equal(t, "ETHUSD", gotForm.Get("pair"))
	assert.Equal(t, "2", gotForm.Get("volume"))
}

func TestQueryFetchesMarkPriceWhenFilled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathQueryOrders:
			w.Write([]byte(`{"error":[],"result":{"O1":{"status":"closed","vol":"1.25","vol_exec":"1.25","price":"37490.5","descr":{"pair":"XBTUSD"}}}}`))
		case pathTicker:
			assert.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))
			w.Write([]byte(`{"error":[],"result":{"XXBTZUSD":{"c":["38000.1","0.01"]}}}`))
		default:
			http.NotFound(w, r)
		}
	})

	report, err := c.Query(context.Background(), domain.VenueOrderRef{OrderID: "O1", Symbol: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusFilled, report.Status)
	assert.Equal(t, 1.25, report.FilledQuantity)
	assert.Equal(t, 37490.5, report.AveragePrice)
	assert.Equal(t, 38000.1, report.MarkPrice)
}

func TestQueryMissingOrderIsUnknown(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":[],"result":{}}`))
	})
	report, err := c.Query(context.Background(), domain.VenueOrderRef{OrderID: "O1", Symbol: "BTC"})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueStatusUnknown, report.Status)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		info OrderInfo
		want domain.VenueStatus
	}{
		{OrderInfo{Status: "pending"}, domain.VenueStatusPendingFill},
		{OrderInfo{Status: "open", Volume: "1", VolExec: "0"}, domain.VenueStatusPendingFill},
		{OrderInfo{Status: "open", Volume: "1", VolExec: "0.4"}, domain.VenueStatusPartiallyFilled},
		{OrderInfo{Status: "closed", Volume: "1", VolExec: "1"}, domain.VenueStatusFilled},
		{OrderInfo{Status: "closed", Volume: "1", VolExec: "0.5"}, domain.VenueStatusPartiallyFilled},
		{OrderInfo{Status: "canceled", Volume: "1", VolExec: "0"}, domain.VenueStatusRejected},
		{OrderInfo{Status: "expired", Volume: "1", VolExec: "0.2"}, domain.VenueStatusClosed},
		{OrderInfo{Status: "weird"}, domain.VenueStatusUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, normalize(tc.info).Status, tc.info.Status)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"server error", http.StatusBadGateway, `bad gateway`, true},
		{"throttled", http.StatusTooManyRequests, ``, true},
		{"service unavailable", http.StatusOK, `{"error":["EService:Unavailable"]}`, true},
		{"rate limit", http.StatusOK, `{"error":["EAPI:Rate limit exceeded"]}`, true},
		{"invalid key", http.StatusOK, `{"error":["EAPI:Invalid key"]}`, false},
		{"insufficient funds", http.StatusOK, `{"error":["EOrder:Insufficient funds"]}`, false},
		{"bad request", http.StatusBadRequest, `{}`, false},
		{"forbidden", http.StatusForbidden, `{}`, false},
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
			assert.Equal(t, Name, ve.Venue)
		})
	}
}

func TestTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "key", APISecret: testSecret, Timeout: 50 * time.Millisecond})
	_, err := c.Open(context.Background(), signal())
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
}

func TestBadSecretIsPermanent(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0", APIKey: "key", APISecret: "%%%"})
	_, err := c.Open(context.Background(), signal())
	require.Error(t, err)
	assert.False(t, domain.IsRetryable(err))
}
