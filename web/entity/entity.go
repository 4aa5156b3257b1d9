// Package entity defines the request and response shapes of the HTTP API.
package entity

import (
	"github.com/shopspring/decimal"
)

// Msg represents a standard API response message with success status, message text, and optional data object.
type Msg struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
	Obj     any    `json:"obj"`
}

type SignalRequest struct {
	Signal string `json:"signal" form:"signal" binding:"required"`
}

// ReenableRequest asks for a reactivation sweep. A zero ResellerId sweeps every reseller
// and an empty Reason sweeps every reason.
type ReenableRequest struct {
	ResellerId int    `json:"reseller_id" form:"reseller_id"`
	Reason     string `json:"reason" form:"reason"`
	Force      bool   `json:"force" form:"force"`
}

type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount" form:"amount"`
	// Reactivate runs the wallet_topup signal after crediting.
	Reactivate bool `json:"reactivate" form:"reactivate"`
}

type SettingRequest struct {
	Key   string `json:"key" form:"key" binding:"required"`
	Value string `json:"value" form:"value"`
}
