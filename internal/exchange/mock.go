package exchange

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockClient is a testify mock of the Client interface, shared by the tests
// of every package that consumes the exchange.
type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) GetServerTime(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ExchangeInfoResponse), args.Error(1)
}

func (m *MockClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	args := m.Called(ctx, symbol, leverage)
	return args.Error(0)
}

func (m *MockClient) GetPositionMode(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) PlaceMarketOrder(ctx context.Context, symbol, side, positionSide string, quantity float64, reduceOnly bool) (*OrderResponse, error) {
	args := m.Called(ctx, symbol, side, positionSide, quantity, reduceOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OrderResponse), args.Error(1)
}

func (m *MockClient) PlaceStopMarket(ctx context.Context, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error) {
	args := m.Called(ctx, symbol, side, positionSide, stopPrice, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OrderResponse), args.Error(1)
}

func (m *MockClient) PlaceTakeProfitMarket(ctx context.Context, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error) {
	args := m.Called(ctx, symbol, side, positionSide, stopPrice, quantity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*OrderResponse), args.Error(1)
}

func (m *MockClient) GetPosition(ctx context.Context, symbol string) (*PositionRisk, error) {
	args := m.Called(ctx, symbol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PositionRisk), args.Error(1)
}

func (m *MockClient) GetPositions(ctx context.Context) ([]PositionRisk, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]PositionRisk), args.Error(1)
}

func (m *MockClient) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*AccountBalance), args.Error(1)
}

func (m *MockClient) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}
