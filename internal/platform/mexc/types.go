package mexc

// --------------------------------------------------------------------------
// MEXC spot v3 DTOs
// --------------------------------------------------------------------------

// OrderResponse is returned by POST /api/v3/order.
type OrderResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	OrderListID  int64  `json:"orderListId"`
	Price        string `json:"price"`
	OrigQty      string `json:"origQty"`
	Type         string `json:"type"`
	Side         string `json:"side"`
	TransactTime int64  `json:"transactTime"`
}

// OrderStatus is returned by GET /api/v3/order.
type OrderStatus struct {
	Symbol              string `json:"symbol"`
	OrderID             string `json:"orderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED, PARTIALLY_CANCELED
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

// TickerPrice is returned by GET /api/v3/ticker/price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// ErrorResponse is the body MEXC returns on failure.
type ErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
