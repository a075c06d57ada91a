// Package broker adapts the external brokerage API to the narrow
// surface the engine needs: account equity for capital updates and the
// session clock that gates the equity refresh.
package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// Clock is the broker's view of the trading session.
type Clock struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// Provider is the engine's brokerage dependency. Implementations must
// be safe for concurrent use; tests substitute a spy.
type Provider interface {
	GetEquity() (decimal.Decimal, error)
	GetClock() (Clock, error)
}
