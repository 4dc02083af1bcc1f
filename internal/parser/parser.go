// Package parser turns raw alert text into a domain.TradeSignal.
//
// The accepted grammar (case-insensitive) is
//
//	<buy|sell> <SYMBOL> <quantity> at <price> [on <venue>] [tp <price>]... [sl <price>]
//
// Parsing is pure: the receipt timestamp is supplied by the caller.
package parser

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// MaxTakeProfitLevels bounds how many tp clauses one alert may carry.
const MaxTakeProfitLevels = 4

// maxMagnitude bounds quantities and prices so they stay exact as float64.
var maxMagnitude = decimal.New(1, 15)

var (
	symbolPattern  = regexp.MustCompile(`^[A-Za-z]{3,5}$`)
	decimalPattern = regexp.MustCompile(`^\d+(\.\d+)?$`)
	venuePattern   = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,31}$`)
)

// Parse parses text into a TradeSignal stamped with receivedAt. Malformed
// input yields a *domain.ParseError naming the offending field.
func Parse(text string, receivedAt time.Time) (domain.TradeSignal, error) {
	tokens := strings.Fields(text)
	p := &cursor{tokens: tokens, input: text}

	var sig domain.TradeSignal

	action, err := p.next("action")
	if err != nil {
		return domain.TradeSignal{}, err
	}
	switch strings.ToLower(action) {
	case "buy":
		sig.Action = domain.OrderSideBuy
	case "sell":
		sig.Action = domain.OrderSideSell
	default:
		return domain.TradeSignal{}, p.fail("action", "expected buy or sell, got "+quote(action))
	}

	symbol, err := p.next("symbol")
	if err != nil {
		return domain.TradeSignal{}, err
	}
	if strings.EqualFold(symbol, "at") {
		return domain.TradeSignal{}, p.fail("symbol", "missing")
	}
	if !symbolPattern.MatchString(symbol) {
		return domain.TradeSignal{}, p.fail("symbol", "expected 3-5 letters, got "+quote(symbol))
	}
	sig.Symbol = strings.ToUpper(symbol)

	qtyTok, err := p.next("quantity")
	if err != nil {
		return domain.TradeSignal{}, err
	}
	if strings.EqualFold(qtyTok, "at") {
		return domain.TradeSignal{}, p.fail("quantity", "missing")
	}
	if sig.Quantity, err = p.magnitude("quantity", qtyTok); err != nil {
		return domain.TradeSignal{}, err
	}

	kw, err := p.next("at")
	if err != nil {
		return domain.TradeSignal{}, err
	}
	if !strings.EqualFold(kw, "at") {
		return domain.TradeSignal{}, p.fail("at", "expected keyword at, got "+quote(kw))
	}

	priceTok, err := p.next("price")
	if err != nil {
		return domain.TradeSignal{}, err
	}
	if sig.Price, err = p.magnitude("price", priceTok); err != nil {
		return domain.TradeSignal{}, err
	}

	if err := p.clauses(&sig); err != nil {
		return domain.TradeSignal{}, err
	}

	sig.ReceivedAt = receivedAt
	return sig, nil
}

// clauses consumes the optional trailing clauses.
func (p *cursor) clauses(sig *domain.TradeSignal) error {
	var tps []float64
	for p.more() {
		kw, _ := p.next("clause")
		switch strings.ToLower(kw) {
		case "on":
			if sig.Venue != "" {
				return p.fail("venue", "given more than once")
			}
			v, err := p.next("venue")
			if err != nil {
				return err
			}
			v = strings.ToLower(v)
			if !venuePattern.MatchString(v) {
				return p.fail("venue", "invalid venue identifier "+quote(v))
			}
			sig.Venue = v
		case "tp":
			if len(tps) == MaxTakeProfitLevels {
				return p.fail("take_profit", "more than 4 levels")
			}
			tok, err := p.next("take_profit")
			if err != nil {
				return err
			}
			f, err := p.magnitude("take_profit", tok)
			if err != nil {
				return err
			}
			tps = append(tps, f)
		case "sl":
			if sig.StopLoss != nil {
				return p.fail("stop_loss", "given more than once")
			}
			tok, err := p.next("stop_loss")
			if err != nil {
				return err
			}
			f, err := p.magnitude("stop_loss", tok)
			if err != nil {
				return err
			}
			sig.StopLoss = &f
		default:
			return p.fail("clause", "unexpected token "+quote(kw))
		}
	}
	if len(tps) > 0 {
		tp := nearest(sig.Action, tps)
		sig.TakeProfit = &tp
	}
	return nil
}

// nearest picks the first level price would reach: the lowest target for a
// long, the highest for a short.
func nearest(side domain.OrderSide, levels []float64) float64 {
	best := levels[0]
	for _, l := range levels[1:] {
		if side == domain.OrderSideBuy && l < best {
			best = l
		}
		if side == domain.OrderSideSell && l > best {
			best = l
		}
	}
	return best
}

type cursor struct {
	tokens []string
	pos    int
	input  string
}

func (p *cursor) more() bool { return p.pos < len(p.tokens) }

func (p *cursor) next(field string) (string, error) {
	if !p.more() {
		return "", p.fail(field, "missing")
	}
	t := p.tokens[p.pos]
	p.pos++
	return t, nil
}

// magnitude parses a strictly positive decimal literal.
func (p *cursor) magnitude(field, tok string) (float64, error) {
	if !decimalPattern.MatchString(tok) {
		return 0, p.fail(field, "not a non-negative decimal: "+quote(tok))
	}
	d, err := decimal.NewFromString(tok)
	if err != nil {
		return 0, p.fail(field, err.Error())
	}
	if !d.IsPositive() {
		return 0, p.fail(field, "must be greater than zero")
	}
	if d.GreaterThan(maxMagnitude) {
		return 0, p.fail(field, "exceeds "+maxMagnitude.String())
	}
	f := d.InexactFloat64()
	if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, p.fail(field, "not representable: "+quote(tok))
	}
	return f, nil
}

func (p *cursor) fail(field, reason string) *domain.ParseError {
	return &domain.ParseError{Field: field, Input: p.input, Reason: reason}
}

func quote(s string) string { return `"` + s + `"` }
