package kraken

import "encoding/json"

// --------------------------------------------------------------------------
// Kraken REST DTOs
// --------------------------------------------------------------------------

// envelope is the wrapper around every Kraken REST response.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// AddOrderResult is the result of /0/private/AddOrder.
type AddOrderResult struct {
	Descr struct {
		Order string `json:"order"`
		Close string `json:"close,omitempty"`
	} `json:"descr"`
	TxID []string `json:"txid"`
}

// OrderList is the result of /0/private/OpenOrders and
// /0/private/ClosedOrders.
type OrderList struct {
	Open   map[string]OrderInfo `json:"open,omitempty"`
	Closed map[string]OrderInfo `json:"closed,omitempty"`
	Count  int                  `json:"count,omitempty"`
}

// CancelResult is the result of /0/private/CancelOrder.
type CancelResult struct {
	Count   int  `json:"count"`
	Pending bool `json:"pending,omitempty"`
}

// OrderInfo is one entry of the /0/private/QueryOrders result.
type OrderInfo struct {
	Status   string  `json:"status"` // pending, open, closed, canceled, expired
	Reason   string  `json:"reason,omitempty"`
	Volume   string  `json:"vol"`
	VolExec  string  `json:"vol_exec"`
	Cost     string  `json:"cost"`
	Fee      string  `json:"fee"`
	AvgPrice string  `json:"price"`
	OpenTM   float64 `json:"opentm"`
	CloseTM  float64 `json:"closetm,omitempty"`
	Descr    struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

// TickerInfo is one entry of the /0/public/Ticker result. C holds the last
// trade as [price, lot volume].
type TickerInfo struct {
	A []string `json:"a"`
	B []string `json:"b"`
	C []string `json:"c"`
}
