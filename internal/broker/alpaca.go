package broker

import (
	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// AlpacaProvider implements Provider against the Alpaca API. The
// client reads APCA_* credentials from the environment.
type AlpacaProvider struct {
	tradeClient *alpaca.Client
}

var _ Provider = (*AlpacaProvider)(nil)

func NewAlpacaProvider() *AlpacaProvider {
	return &AlpacaProvider{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{}),
	}
}

func (p *AlpacaProvider) GetEquity() (decimal.Decimal, error) {
	acct, err := p.tradeClient.GetAccount()
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Equity, nil
}

func (p *AlpacaProvider) GetClock() (Clock, error) {
	c, err := p.tradeClient.GetClock()
	if err != nil {
		return Clock{}, err
	}
	return Clock{
		Timestamp: c.Timestamp,
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}
