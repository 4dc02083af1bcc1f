package monitor

import "github.com/alanyoungcy/signalbot/internal/domain"

// Trigger names why a position should be closed.
type Trigger string

const (
	TriggerNone       Trigger = ""
	TriggerTakeProfit Trigger = "take_profit"
	TriggerStopLoss   Trigger = "stop_loss"
)

// Levels are the absolute exit prices for one position. Zero disables a side.
type Levels struct {
	TakeProfit float64
	StopLoss   float64
}

// LevelsFor returns the exit levels of pos. Levels set on the position win;
// otherwise they are derived from entry price using the given fractions.
func LevelsFor(pos domain.Position, takeProfitPct, stopLossPct float64) Levels {
	var l Levels
	entry := pos.EntryPrice
	long := pos.Side != domain.OrderSideSell

	switch {
	case pos.TakeProfit != nil:
		l.TakeProfit = *pos.TakeProfit
	case takeProfitPct > 0 && entry > 0:
		if long {
			l.TakeProfit = entry * (1 + takeProfitPct)
		} else {
			l.TakeProfit = entry * (1 - takeProfitPct)
		}
	}

	switch {
	case pos.StopLoss != nil:
		l.StopLoss = *pos.StopLoss
	case stopLossPct > 0 && entry > 0:
		if long {
			l.StopLoss = entry * (1 - stopLossPct)
		} else {
			l.StopLoss = entry * (1 + stopLossPct)
		}
	}
	return l
}

// Evaluate reports whether mark crosses either level for a position on side.
// A long closes at or above take-profit and at or below stop-loss; a short
// is the mirror image.
func Evaluate(side domain.OrderSide, mark float64, l Levels) Trigger {
	if mark <= 0 {
		return TriggerNone
	}
	if side == domain.OrderSideSell {
		switch {
		case l.TakeProfit > 0 && mark <= l.TakeProfit:
			return TriggerTakeProfit
		case l.StopLoss > 0 && mark >= l.StopLoss:
			return TriggerStopLoss
		}
		return TriggerNone
	}
	switch {
	case l.TakeProfit > 0 && mark >= l.TakeProfit:
		return TriggerTakeProfit
	case l.StopLoss > 0 && mark <= l.StopLoss:
		return TriggerStopLoss
	}
	return TriggerNone
}
