package orders

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"perp-agents-go/internal/exchange"
	"perp-agents-go/internal/models"
	"perp-agents-go/internal/precision"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubResolver returns a fixed filter without touching the exchange.
type stubResolver struct {
	filter precision.SymbolFilter
}

func (s *stubResolver) Resolve(ctx context.Context, symbol string) precision.SymbolFilter {
	return s.filter
}

func btcFilter() precision.SymbolFilter {
	return precision.SymbolFilter{
		Symbol:      "BTCUSDT",
		StepSize:    0.001,
		MinQty:      0.001,
		MaxQty:      1000,
		MinNotional: 100,
	}
}

func TestComputeQuantity(t *testing.T) {
	t.Run("FloorsToStepSize", func(t *testing.T) {
		// 500/50000 = 0.01, already on the step grid.
		qty, err := ComputeQuantity(500, 50000, btcFilter())
		require.NoError(t, err)
		assert.Equal(t, 0.01, qty)

		// 505/50000 = 0.0101 -> floored to 0.010.
		qty, err = ComputeQuantity(505, 50000, btcFilter())
		require.NoError(t, err)
		assert.Equal(t, 0.01, qty)
	})

	t.Run("CeilsOnceToMeetMinNotional", func(t *testing.T) {
		// 60/50000 = 0.0012 -> floor 0.001 -> notional 50 < 100,
		// so re-derive: ceil(100/50000/0.001) = 0.002.
		qty, err := ComputeQuantity(60, 50000, btcFilter())
		require.NoError(t, err)
		assert.Equal(t, 0.002, qty)
		assert.GreaterOrEqual(t, qty*50000, 100.0)
	})

	t.Run("ExactMinNotionalBoundary", func(t *testing.T) {
		// 100/50000 = 0.002, notional exactly 100: no ceil phase.
		qty, err := ComputeQuantity(100, 50000, btcFilter())
		require.NoError(t, err)
		assert.Equal(t, 0.002, qty)
	})

	t.Run("ClampsToMaxQty", func(t *testing.T) {
		filter := btcFilter()
		filter.MaxQty = 0.005
		qty, err := ComputeQuantity(1000, 50000, filter)
		require.NoError(t, err)
		assert.Equal(t, 0.005, qty)
	})

	t.Run("MinNotionalUnreachable", func(t *testing.T) {
		filter := btcFilter()
		filter.MaxQty = 0.001 // max notional 50 < minNotional 100
		_, err := ComputeQuantity(60, 50000, filter)
		assert.Error(t, err)
		assert.True(t, IsValidation(err))
	})

	t.Run("RejectsNonPositiveInputs", func(t *testing.T) {
		_, err := ComputeQuantity(0, 50000, btcFilter())
		assert.True(t, IsValidation(err))
		_, err = ComputeQuantity(500, 0, btcFilter())
		assert.True(t, IsValidation(err))
	})
}

// TestComputeQuantity_Properties checks the numerical contract over random
// but internally consistent price/notional/filter combinations.
func TestComputeQuantity_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	steps := []float64{0.001, 0.01, 0.1, 1}

	for i := 0; i < 500; i++ {
		step := steps[rng.Intn(len(steps))]
		filter := precision.SymbolFilter{
			StepSize:    step,
			MinQty:      step,
			MaxQty:      1e6,
			MinNotional: 5 + rng.Float64()*95,
		}
		price := 1 + rng.Float64()*99999
		notional := 10 + rng.Float64()*49990

		qty, err := ComputeQuantity(notional, price, filter)
		require.NoError(t, err)

		// Multiple of stepSize (within float tolerance).
		ratio := qty / step
		assert.InDelta(t, math.Round(ratio), ratio, 1e-6,
			"qty %v not a multiple of step %v", qty, step)

		// Within [minQty, maxQty].
		assert.GreaterOrEqual(t, qty, filter.MinQty)
		assert.LessOrEqual(t, qty, filter.MaxQty)

		// Meets the notional floor.
		assert.GreaterOrEqual(t, qty*price, filter.MinNotional*(1-1e-9))
	}
}

func TestResolvePositionSide(t *testing.T) {
	t.Run("HedgeModeReturnsLiteralSide", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPositionMode", mock.Anything).Return(true, nil)

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		assert.Equal(t, exchange.PositionSideLong, a.ResolvePositionSide(context.Background(), models.SideLong))
		assert.Equal(t, exchange.PositionSideShort, a.ResolvePositionSide(context.Background(), models.SideShort))
	})

	t.Run("OneWayModeReturnsBoth", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPositionMode", mock.Anything).Return(false, nil)

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		assert.Equal(t, exchange.PositionSideBoth, a.ResolvePositionSide(context.Background(), models.SideLong))
	})

	t.Run("ReadFailureFailsOpenToBoth", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPositionMode", mock.Anything).Return(false, errors.New("timeout"))

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		assert.Equal(t, exchange.PositionSideBoth, a.ResolvePositionSide(context.Background(), models.SideShort))
	})
}

func longDecision() *models.Decision {
	return &models.Decision{
		Symbol:       "BTCUSDT",
		Signal:       models.SignalLong,
		EntryPrice:   50000,
		StopLoss:     49000,
		ProfitTarget: 52000,
		Leverage:     10,
		Confidence:   0.8,
		SizeUSD:      500,
	}
}

func TestOpenPosition(t *testing.T) {
	t.Run("RejectsInvalidDecisionBeforeAnyNetworkCall", func(t *testing.T) {
		client := new(exchange.MockClient)
		a := NewAdapter(client, &stubResolver{filter: btcFilter()}, 10, zap.NewNop())

		for _, d := range []*models.Decision{
			{Symbol: "BTCUSDT", Signal: models.SignalLong, SizeUSD: 0, Leverage: 10, EntryPrice: 50000},
			{Symbol: "BTCUSDT", Signal: models.SignalLong, SizeUSD: 500, Leverage: 0, EntryPrice: 50000},
			{Symbol: "BTCUSDT", Signal: models.SignalLong, SizeUSD: 500, Leverage: 126, EntryPrice: 50000},
			{Symbol: "BTCUSDT", Signal: models.SignalLong, SizeUSD: 500, Leverage: 10, EntryPrice: 0},
		} {
			_, err := a.OpenPosition(context.Background(), d)
			assert.True(t, IsValidation(err), "expected validation error for %+v", d)
		}
		// No exchange calls may have happened.
		client.AssertNotCalled(t, "SetLeverage", mock.Anything, mock.Anything, mock.Anything)
		client.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("CapsLeverageAtTen", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("SetLeverage", mock.Anything, "BTCUSDT", 10).Return(nil)
		client.On("GetPositionMode", mock.Anything).Return(false, nil)
		client.On("PlaceMarketOrder", mock.Anything, "BTCUSDT", exchange.OrderSideBuy, exchange.PositionSideBoth, 0.01, false).
			Return(&exchange.OrderResponse{OrderID: 1, AvgPrice: "50000"}, nil)
		client.On("PlaceStopMarket", mock.Anything, "BTCUSDT", exchange.OrderSideSell, exchange.PositionSideBoth, 49000.0, 0.01).
			Return(&exchange.OrderResponse{OrderID: 2}, nil)
		client.On("PlaceTakeProfitMarket", mock.Anything, "BTCUSDT", exchange.OrderSideSell, exchange.PositionSideBoth, 52000.0, 0.01).
			Return(&exchange.OrderResponse{OrderID: 3}, nil)

		a := NewAdapter(client, &stubResolver{filter: btcFilter()}, 10, zap.NewNop())

		d := longDecision()
		d.Leverage = 50 // requested above the cap
		result, err := a.OpenPosition(context.Background(), d)

		require.NoError(t, err)
		assert.Equal(t, 10, result.Leverage)
		assert.Equal(t, int64(1), result.EntryOrderID)
		assert.Equal(t, int64(2), result.StopOrderID)
		assert.Equal(t, int64(3), result.TakeOrderID)
		client.AssertExpectations(t)
	})

	t.Run("ProtectiveOrderFailureDoesNotFailOpen", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("SetLeverage", mock.Anything, "BTCUSDT", 10).Return(nil)
		client.On("GetPositionMode", mock.Anything).Return(false, nil)
		client.On("PlaceMarketOrder", mock.Anything, "BTCUSDT", exchange.OrderSideBuy, exchange.PositionSideBoth, 0.01, false).
			Return(&exchange.OrderResponse{OrderID: 1, AvgPrice: "50000"}, nil)
		client.On("PlaceStopMarket", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("rejected"))
		client.On("PlaceTakeProfitMarket", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("rejected"))

		a := NewAdapter(client, &stubResolver{filter: btcFilter()}, 10, zap.NewNop())
		result, err := a.OpenPosition(context.Background(), longDecision())

		require.NoError(t, err)
		assert.Equal(t, int64(1), result.EntryOrderID)
		assert.Zero(t, result.StopOrderID)
		assert.Zero(t, result.TakeOrderID)
	})

	t.Run("EntryRejectionLeavesNoResult", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("SetLeverage", mock.Anything, "BTCUSDT", 10).Return(nil)
		client.On("GetPositionMode", mock.Anything).Return(false, nil)
		client.On("PlaceMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("insufficient margin"))

		a := NewAdapter(client, &stubResolver{filter: btcFilter()}, 10, zap.NewNop())
		result, err := a.OpenPosition(context.Background(), longDecision())

		assert.Nil(t, result)
		assert.True(t, IsExchangeRejection(err))
		client.AssertNotCalled(t, "PlaceStopMarket", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ShortSellsToEnter", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("SetLeverage", mock.Anything, "BTCUSDT", 5).Return(nil)
		client.On("GetPositionMode", mock.Anything).Return(true, nil)
		client.On("PlaceMarketOrder", mock.Anything, "BTCUSDT", exchange.OrderSideSell, exchange.PositionSideShort, 0.01, false).
			Return(&exchange.OrderResponse{OrderID: 7, AvgPrice: "50000"}, nil)

		a := NewAdapter(client, &stubResolver{filter: btcFilter()}, 10, zap.NewNop())

		d := longDecision()
		d.Signal = models.SignalShort
		d.Leverage = 5
		d.StopLoss = 0 // no protective orders requested
		d.ProfitTarget = 0
		result, err := a.OpenPosition(context.Background(), d)

		require.NoError(t, err)
		assert.Equal(t, int64(7), result.EntryOrderID)
		client.AssertExpectations(t)
	})
}

func TestClosePosition(t *testing.T) {
	t.Run("AlreadyClosedIsNotAnError", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPosition", mock.Anything, "BTCUSDT").Return(nil, nil)

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		result, err := a.ClosePosition(context.Background(), "BTCUSDT")

		require.NoError(t, err)
		assert.True(t, result.AlreadyClosed)
		client.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("ClosesLongBySelling", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPosition", mock.Anything, "BTCUSDT").Return(&exchange.PositionRisk{
			Symbol:       "BTCUSDT",
			PositionAmt:  "0.010",
			MarkPrice:    "50500",
			PositionSide: exchange.PositionSideBoth,
		}, nil)
		client.On("PlaceMarketOrder", mock.Anything, "BTCUSDT", exchange.OrderSideSell, exchange.PositionSideBoth, 0.01, true).
			Return(&exchange.OrderResponse{OrderID: 9, AvgPrice: "50510.5"}, nil)

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		result, err := a.ClosePosition(context.Background(), "BTCUSDT")

		require.NoError(t, err)
		assert.False(t, result.AlreadyClosed)
		assert.Equal(t, int64(9), result.OrderID)
		assert.Equal(t, 50510.5, result.ExitPrice)
	})

	t.Run("ClosesShortByBuying", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPosition", mock.Anything, "ETHUSDT").Return(&exchange.PositionRisk{
			Symbol:       "ETHUSDT",
			PositionAmt:  "-0.5",
			MarkPrice:    "3000",
			PositionSide: exchange.PositionSideShort,
		}, nil)
		client.On("PlaceMarketOrder", mock.Anything, "ETHUSDT", exchange.OrderSideBuy, exchange.PositionSideShort, 0.5, true).
			Return(&exchange.OrderResponse{OrderID: 11, AvgPrice: "2990"}, nil)

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		result, err := a.ClosePosition(context.Background(), "ETHUSDT")

		require.NoError(t, err)
		assert.Equal(t, 2990.0, result.ExitPrice)
		assert.Equal(t, 0.5, result.Quantity)
	})

	t.Run("ZeroAvgPriceFallsBackToMarkPrice", func(t *testing.T) {
		client := new(exchange.MockClient)
		client.On("GetPosition", mock.Anything, "BTCUSDT").Return(&exchange.PositionRisk{
			Symbol:      "BTCUSDT",
			PositionAmt: "0.010",
			MarkPrice:   "50500",
		}, nil)
		client.On("PlaceMarketOrder", mock.Anything, "BTCUSDT", exchange.OrderSideSell, exchange.PositionSideBoth, 0.01, true).
			Return(&exchange.OrderResponse{OrderID: 9, AvgPrice: "0"}, nil)

		a := NewAdapter(client, &stubResolver{}, 10, zap.NewNop())
		result, err := a.ClosePosition(context.Background(), "BTCUSDT")

		require.NoError(t, err)
		assert.Equal(t, 50500.0, result.ExitPrice)
	})
}
