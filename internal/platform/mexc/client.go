// Package mexc implements domain.VenueAdapter against the MEXC spot v3 REST
// API.
package mexc

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
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/crypto"
	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Name is the venue identifier.
const Name = "mexc"

const (
	pathOrder  = "/api/v3/order"
	pathTicker = "/api/v3/ticker/price"

	defaultRecvWindow = "5000"
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Quote     string // e.g. "USDT"
	Timeout   time.Duration
}

// Client is the REST client for MEXC. It never retries.
type Client struct {
	baseURL    string
	auth       *crypto.MEXCAuth
	quote      string
	httpClient *http.Client
	clock      func() time.Time
}

var (
	_ domain.VenueAdapter   = (*Client)(nil)
	_ domain.OrderCanceller = (*Client)(nil)
)

// NewClient creates a MEXC client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	quote := strings.ToUpper(cfg.Quote)
	if quote == "" {
		quote = "USDT"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		auth:       &crypto.MEXCAuth{Key: cfg.APIKey, Secret: cfg.APISecret},
		quote:      quote,
		httpClient: &http.Client{Timeout: timeout},
		clock:      time.Now,
	}
}

// SetClock replaces the timestamp source used in signed requests.
func (c *Client) SetClock(fn func() time.Time) { c.clock = fn }

// Name implements domain.VenueAdapter.
func (c *Client) Name() string { return Name }

// Pair maps a venue-neutral symbol to a MEXC symbol.
func (c *Client) Pair(symbol string) string {
	return strings.ToUpper(symbol) + c.quote
}

// Open places a LIMIT order at the signal price, tagged with the signal's
// client order id. A duplicate-id rejection resolves to the order the earlier
// attempt placed.
func (c *Client) Open(ctx context.Context, sig domain.TradeSignal) (domain.VenueOrderRef, error) {
	quantity, err := amount("open", "quantity", sig.Quantity)
	if err != nil {
		return domain.VenueOrderRef{}, err
	}
	price, err := amount("open", "price", sig.Price)
	if err != nil {
		return domain.VenueOrderRef{}, err
	}

	params := url.Values{}
	params.Set("symbol", c.Pair(sig.Symbol))
	params.Set("side", strings.ToUpper(string(sig.Action)))
	params.Set("type", "LIMIT")
	params.Set("quantity", quantity)
	params.Set("price", price)
	if sig.ClientOrderID != "" {
		params.Set("newClientOrderId", sig.ClientOrderID)
	}

	ref := domain.VenueOrderRef{
		Venue:    Name,
		Symbol:   sig.Symbol,
		Side:     sig.Action,
		Quantity: sig.Quantity,
	}

	var res OrderResponse
	if err := c.doSigned(ctx, "open", http.MethodPost, pathOrder, params, &res); err != nil {
		if sig.ClientOrderID == "" || !isDuplicateClientOrder(err) {
			return domain.VenueOrderRef{}, err
		}
		id, lerr := c.findClientOrder(ctx, c.Pair(sig.Symbol), sig.ClientOrderID)
		if lerr != nil {
			return domain.VenueOrderRef{}, lerr
		}
		ref.OrderID = id
		return ref, nil
	}
	if res.OrderID == "" {
		return domain.VenueOrderRef{}, &domain.VenueError{Venue: Name, Op: "open", Err: fmt.Errorf("response carried no orderId")}
	}
	ref.OrderID = res.OrderID
	return ref, nil
}

func (c *Client) findClientOrder(ctx context.Context, symbol, clientID string) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)

	var res OrderStatus
	if err := c.doSigned(ctx, "open", http.MethodGet, pathOrder, params, &res); err != nil {
		return "", err
	}
	if res.OrderID == "" {
		return "", &domain.VenueError{Venue: Name, Op: "open", Code: "duplicate",
			Err: fmt.Errorf("client order %s reported as duplicate but not found", clientID)}
	}
	return res.OrderID, nil
}

// Cancel cancels the unfilled remainder of the order ref names.
func (c *Client) Cancel(ctx context.Context, ref domain.VenueOrderRef) error {
	params := url.Values{}
	params.Set("symbol", c.Pair(ref.Symbol))
	params.Set("orderId", ref.OrderID)
	return c.doSigned(ctx, "cancel", http.MethodDelete, pathOrder, params, nil)
}

// Close places an offsetting MARKET order. The fill is confirmed by a later
// query on the returned order id.
func (c *Client) Close(ctx context.Context, ref domain.VenueOrderRef) (domain.VenueCloseResult, error) {
	quantity, err := amount("close", "quantity", ref.Quantity)
	if err != nil {
		return domain.VenueCloseResult{}, err
	}

	params := url.Values{}
	params.Set("symbol", c.Pair(ref.Symbol))
	params.Set("side", strings.ToUpper(string(ref.Side.Opposite())))
	params.Set("type", "MARKET")
	params.Set("quantity", quantity)

	var res OrderResponse
	if err := c.doSigned(ctx, "close", http.MethodPost, pathOrder, params, &res); err != nil {
		return domain.VenueCloseResult{}, err
	}
	if res.OrderID == "" {
		return domain.VenueCloseResult{}, &domain.VenueError{Venue: Name, Op: "close", Err: fmt.Errorf("response carried no orderId")}
	}
	return domain.VenueCloseResult{CloseRef: res.OrderID}, nil
}

// Query reports the order state, with the ticker price as mark once any
// quantity has executed.
func (c *Client) Query(ctx context.Context, ref domain.VenueOrderRef) (domain.VenueReport, error) {
	params := url.Values{}
	params.Set("symbol", c.Pair(ref.Symbol))
	params.Set("orderId", ref.OrderID)

	var res OrderStatus
	if err := c.doSigned(ctx, "query", http.MethodGet, pathOrder, params, &res); err != nil {
		return domain.VenueReport{}, err
	}

	report := normalize(res)
	if report.FilledQuantity > 0 {
		mark, err := c.tickerPrice(ctx, c.Pair(ref.Symbol))
		if err != nil {
			return domain.VenueReport{}, err
		}
		report.MarkPrice = mark
	}
	return report, nil
}

// normalize maps MEXC's order vocabulary onto domain.VenueStatus.
func normalize(o OrderStatus) domain.VenueReport {
	exec := parseDecimal(o.ExecutedQty)
	quote := parseDecimal(o.CummulativeQuoteQty)

	report := domain.VenueReport{
		FilledQuantity: exec.InexactFloat64(),
		Raw:            o.Status,
	}
	if exec.IsPositive() {
		report.AveragePrice = quote.Div(exec).InexactFloat64()
	}

	switch o.Status {
	case "NEW":
		report.Status = domain.VenueStatusPendingFill
	case "PARTIALLY_FILLED":
		report.Status = domain.VenueStatusPartiallyFilled
	case "FILLED":
		report.Status = domain.VenueStatusFilled
	case "CANCELED", "PARTIALLY_CANCELED":
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

func (c *Client) tickerPrice(ctx context.Context, symbol string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathTicker+"?symbol="+url.QueryEscape(symbol), nil)
	if err != nil {
		return 0, &domain.VenueError{Venue: Name, Op: "ticker", Err: err}
	}
	var res TickerPrice
	if err := c.do(req, "ticker", &res); err != nil {
		return 0, err
	}
	p := parseDecimal(res.Price)
	if !p.IsPositive() {
		return 0, &domain.VenueError{Venue: Name, Op: "ticker", Err: fmt.Errorf("no price for %s", symbol)}
	}
	return p.InexactFloat64(), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doSigned adds timestamp, recvWindow and signature to params and sends them
// as the query string.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(c.clock().UnixMilli(), 10))
	params.Set("recvWindow", defaultRecvWindow)
	query := c.auth.SignValues(params)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return &domain.VenueError{Venue: Name, Op: op, Err: err}
	}
	req.Header.Set("X-MEXC-APIKEY", c.auth.Key)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, out)
}

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

	if err := checkStatus(op, resp.StatusCode, body); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.VenueError{Venue: Name, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// checkStatus maps non-2xx responses to a VenueError. Retryability follows
// the HTTP status; the MEXC code is kept for diagnostics.
func checkStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	code := ""
	if apiErr.Code != 0 {
		code = strconv.Itoa(apiErr.Code)
	}
	msg := apiErr.Msg
	if msg == "" {
		msg = http.StatusText(statusCode)
	}

	var err error
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		err = fmt.Errorf("unauthorized: %s", msg)
	case http.StatusTooManyRequests:
		err = fmt.Errorf("rate limited: %s", msg)
	case http.StatusBadRequest:
		err = fmt.Errorf("bad request: %s", msg)
	case http.StatusNotFound:
		err = fmt.Errorf("not found: %s", msg)
	default:
		err = fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
	return domain.ClassifyHTTPStatus(Name, op, statusCode, code, err)
}

func isDuplicateClientOrder(err error) bool {
	var ve *domain.VenueError
	if !errors.As(err, &ve) || ve.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(strings.ToLower(ve.Error()), "duplicate")
}

// amount formats a positive finite quantity or price for the wire.
func amount(op, field string, v float64) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return "", &domain.VenueError{Venue: Name, Op: op, Code: "invalid_" + field,
			Err: fmt.Errorf("%s %v is not a positive finite number", field, v)}
	}
	return decimal.NewFromFloat(v).String(), nil
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
