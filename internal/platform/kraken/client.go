// Package kraken implements domain.VenueAdapter against the Kraken spot REST
// API.
package kraken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Name is the venue identifier.
const Name = "kraken"

const (
	pathAddOrder     = "/0/private/AddOrder"
	pathCancelOrder  = "/0/private/CancelOrder"
	pathQueryOrders  = "/0/private/QueryOrders"
	pathOpenOrders   = "/0/private/OpenOrders"
	pathClosedOrders = "/0/private/ClosedOrders"
	pathTicker       = "/0/public/Ticker"
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string // base64, as issued by Kraken
	Quote     string // quote currency appended to symbols, e.g. "USD"
	Timeout   time.Duration
}

// Client is the REST client for Kraken. It never retries.
type Client struct {
	baseURL    string
	auth       *crypto.KrakenAuth
	quote      string
	httpClient *http.Client

	nonceMu   sync.Mutex
	lastNonce int64
	clock     func() time.Time
}

var (
	_ domain.VenueAdapter   = (*Client)(nil)
	_ domain.OrderCanceller = (*Client)(nil)
)

// NewClient creates a Kraken client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	quote := strings.ToUpper(cfg.Quote)
	if quote == "" {
		quote = "USD"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       &crypto.KrakenAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		quote:      quote,
		httpClient: &http.Client{Timeout: timeout},
		clock:      time.Now,
	}
}

// SetClock replaces the nonce time source.
func (c *Client) SetClock(fn func() time.Time) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.clock = fn
}

// Name implements domain.VenueAdapter.
func (c *Client) Name() string { return Name }

// Pair maps a venue-neutral symbol to a Kraken pair name.
func (c *Client) Pair(symbol string) string {
	base := strings.ToUpper(symbol)
	if base == "BTC" {
		base = "XBT"
	}
	return base + c.quote
}

// Open places a limit order at the signal price. The signal's client order
// id is sent as cl_ord_id; when Kraken reports it as a duplicate the order
// placed by the earlier attempt is returned instead.
func (c *Client) Open(ctx context.Context, sig domain.TradeSignal) (domain.VenueOrderRef, error) {
	volume, err := amount("open", "volume", sig.Quantity)
	if err != nil {
		return domain.VenueOrderRef{}, err
	}
	price, err := amount("open", "price", sig.Price)
	if err != nil {
		return domain.VenueOrderRef{}, err
	}

	params := url.Values{}
	params.Set("ordertype", "limit")
	params.Set("type", string(sig.Action))
	params.Set("pair", c.Pair(sig.Symbol))
	params.Set("volume", volume)
	params.Set("price", price)
	if sig.ClientOrderID != "" {
		params.Set("cl_ord_id", sig.ClientOrderID)
	}

	ref := domain.VenueOrderRef{
		Venue:    Name,
		Symbol:   sig.Symbol,
		Side:     sig.Action,
		Quantity: sig.Quantity,
	}

	var res AddOrderResult
	if err := c.doPrivate(ctx, "open", pathAddOrder, params, &res); err != nil {
		if sig.ClientOrderID == "" || !isDuplicateClientOrder(err) {
			return domain.VenueOrderRef{}, err
		}
		txid, lerr := c.findClientOrder(ctx, sig.ClientOrderID)
		if lerr != nil {
			return domain.VenueOrderRef{}, lerr
		}
		ref.OrderID = txid
		return ref, nil
	}
	if len(res.TxID) == 0 {
		return domain.VenueOrderRef{}, &domain.VenueError{Venue: Name, Op: "open", Err: fmt.Errorf("response carried no txid")}
	}
	ref.OrderID = res.TxID[0]
	return ref, nil
}

// findClientOrder resolves a client order id to its txid, looking at open
// orders first and closed orders second.
func (c *Client) findClientOrder(ctx context.Context, clientID string) (string, error) {
	for _, path := range []string{pathOpenOrders, pathClosedOrders} {
		params := url.Values{}
		params.Set("cl_ord_id", clientID)

		var res OrderList
		if err := c.doPrivate(ctx, "open", path, params, &res); err != nil {
			return "", err
		}
		for txid := range res.Open {
			return txid, nil
		}
		for txid := range res.Closed {
			return txid, nil
		}
	}
	return "", &domain.VenueError{Venue: Name, Op: "open", Code: "duplicate",
		Err: fmt.Errorf("client order %s reported as duplicate but not found", clientID)}
}

// Cancel cancels the unfilled remainder of the order ref names.
func (c *Client) Cancel(ctx context.Context, ref domain.VenueOrderRef) error {
	params := url.Values{}
	params.Set("txid", ref.OrderID)

	var res CancelResult
	return c.doPrivate(ctx, "cancel", pathCancelOrder, params, &res)
}

// Close places an offsetting market order for ref.Quantity. Kraken only
// acknowledges the order, so the result is never Confirmed; the close txid is
// polled afterwards.
func (c *Client) Close(ctx context.Context, ref domain.VenueOrderRef) (domain.VenueCloseResult, error) {
	volume, err := amount("close", "volume", ref.Quantity)
	if err != nil {
		return domain.VenueCloseResult{}, err
	}

	params := url.Values{}
	params.Set("ordertype", "market")
	params.Set("type", string(ref.Side.Opposite()))
	params.Set("pair", c.Pair(ref.Symbol))
	params.Set("volume", volume)

	var res AddOrderResult
	if err := c.doPrivate(ctx, "close", pathAddOrder, params, &res); err != nil {
		return domain.VenueCloseResult{}, err
	}
	if len(res.TxID) == 0 {
		return domain.VenueCloseResult{}, &domain.VenueError{Venue: Name, Op: "close", Err: fmt.Errorf("response carried no txid")}
	}
	return domain.VenueCloseResult{CloseRef: res.TxID[0]}, nil
}

// Query reports the order state. When any volume has executed the last
// trade price is fetched as the mark price.
func (c *Client) Query(ctx context.Context, ref domain.VenueOrderRef) (domain.VenueReport, error) {
	params := url.Values{}
	params.Set("txid", ref.OrderID)

	var res map[string]OrderInfo
	if err := c.doPrivate(ctx, "query", pathQueryOrders, params, &res); err != nil {
		return domain.VenueReport{}, err
	}
	info, ok := res[ref.OrderID]
	if !ok {
		return domain.VenueReport{Status: domain.VenueStatusUnknown}, nil
	}

	report := normalize(info)
	if report.FilledQuantity > 0 {
		mark, err := c.lastPrice(ctx, c.Pair(ref.Symbol))
		if err != nil {
			return domain.VenueReport{}, err
		}
		report.MarkPrice = mark
	}
	return report, nil
}

// normalize maps Kraken's order vocabulary onto domain.VenueStatus.
func normalize(info OrderInfo) domain.VenueReport {
	vol := parseDecimal(info.Volume)
	exec := parseDecimal(info.VolExec)
	avg := parseDecimal(info.AvgPrice)

	report := domain.VenueReport{
		FilledQuantity: exec.InexactFloat64(),
		AveragePrice:   avg.InexactFloat64(),
		Raw:            info.Status,
	}

	switch info.Status {
	case "pending":
		report.Status = domain.VenueStatusPendingFill
	case "open":
		if exec.IsPositive() {
			report.Status = domain.VenueStatusPartiallyFilled
		} else {
			report.Status = domain.VenueStatusPendingFill
		}
	case "closed":
		if vol.IsPositive() && exec.LessThan(vol) {
			report.Status = domain.VenueStatusPartiallyFilled
		} else {
			report.Status = domain.VenueStatusFilled
		}
	case "canceled", "expired":
		if exec.IsPositive() {
			report.Status = domain.VenueStatusClosed
		} else {
			report.Status = domain.VenueStatusRejected
		}
	default:
		report.Status = domain.VenueStatusUnknown
	}
	return report
}

func (c *Client) lastPrice(ctx context.Context, pair string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathTicker+"?pair="+url.QueryEscape(pair), nil)
	if err != nil {
		return 0, &domain.VenueError{Venue: Name, Op: "ticker", Err: err}
	}
	var res map[string]TickerInfo
	if err := c.do(req, "ticker", &res); err != nil {
		return 0, err
	}
	for _, t := range res {
		if len(t.C) > 0 {
			return parseDecimal(t.C[0]).InexactFloat64(), nil
		}
	}
	return 0, &domain.VenueError{Venue: Name, Op: "ticker", Err: fmt.Errorf("no last trade for %s", pair)}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doPrivate signs params and POSTs them as a form body.
func (c *Client) doPrivate(ctx context.Context, op, path string, params url.Values, out any) error {
	nonce := c.nextNonce()
	params.Set("nonce", nonce)
	postData := crypto.Canonical(params)

	headers, err := c.auth.Headers(path, nonce, postData)
	if err != nil {
		return &domain.VenueError{Venue: Name, Op: op, Code: "auth", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(postData))
	if err != nil {
		return &domain.VenueError{Venue: Name, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.do(req, op, out)
}

// do sends req, checks status and body-level errors and decodes the result.
func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.ClassifyTransportError(Name, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ClassifyTransportError(Name, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.ClassifyHTTPStatus(Name, op, resp.StatusCode, "", fmt.Errorf("%s", truncate(body)))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &domain.VenueError{Venue: Name, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(env.Error) > 0 {
		return classifyError(op, env.Error)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &domain.VenueError{Venue: Name, Op: op, Err: fmt.Errorf("decode result: %w", err)}
		}
	}
	return nil
}

// classifyError maps Kraken's "<severity><category>:<message>" error strings.
func classifyError(op string, errs []string) *domain.VenueError {
	code := errs[0]
	ve := &domain.VenueError{Venue: Name, Op: op, Code: code, Err: fmt.Errorf("%s", strings.Join(errs, "; "))}

	switch {
	case strings.HasPrefix(code, "EService:"):
		ve.Retryable = true
	case code == "EAPI:Rate limit exceeded",
		code == "EOrder:Rate limit exceeded",
		code == "EAPI:Invalid nonce",
		code == "EGeneral:Temporary lockout":
		ve.Retryable = true
	}
	return ve
}

// isDuplicateClientOrder reports whether err is Kraken refusing a cl_ord_id
// that is already in use.
func isDuplicateClientOrder(err error) bool {
	var ve *domain.VenueError
	if !errors.As(err, &ve) {
		return false
	}
	return strings.HasPrefix(ve.Code, "EOrder:") && strings.Contains(strings.ToLower(ve.Code), "duplicate")
}

// amount formats a positive finite quantity or price for the wire.
func amount(op, field string, v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return "", &domain.VenueError{Venue: Name, Op: op, Code: "invalid_" + field,
			Err: fmt.Errorf("%s %v is not a positive finite number", field, v)}
	}
	return decimal.NewFromFloat(v).String(), nil
}

// nextNonce returns a strictly increasing microsecond nonce.
func (c *Client) nextNonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	n := c.clock().UnixMicro()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
