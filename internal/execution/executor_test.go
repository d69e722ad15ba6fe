package execution

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

// MockBrokerClient is a testify mock for the broker client interface.
type MockBrokerClient struct {
	mock.Mock
	name    models.Broker
	markets []models.Market
}

var _ broker.Client = (*MockBrokerClient)(nil)

func (m *MockBrokerClient) Name() models.Broker      { return m.name }
func (m *MockBrokerClient) Markets() []models.Market { return m.markets }

func (m *MockBrokerClient) PlaceOrder(ctx context.Context, o broker.Order) (*broker.OrderResult, error) {
	args := m.Called(ctx, o)
	if res, ok := args.Get(0).(*broker.OrderResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerClient) OrderDetail(ctx context.Context, market models.Market, symbol, orderID string) (*broker.OrderResult, error) {
	args := m.Called(ctx, market, symbol, orderID)
	if res, ok := args.Get(0).(*broker.OrderResult); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerClient) Balances(ctx context.Context, market models.Market) (map[string]decimal.Decimal, error) {
	args := m.Called(ctx, market)
	if res, ok := args.Get(0).(map[string]decimal.Decimal); ok {
		return res, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockBrokerClient) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func setupTest(t *testing.T) (*Executor, *MockBrokerClient, *gorm.DB) {
	t.Helper()
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Trade{}, &models.Position{}))

	client := &MockBrokerClient{
		name:    models.BrokerUpbit,
		markets: []models.Market{models.MarketCrypto},
	}
	registry := broker.NewRegistry()
	registry.Register(client)

	cfg := &config.Trading{MaxTradesPerDay: 10}
	return NewExecutor(registry, db, cfg, zap.NewNop()), client, db
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func buyRequest() Request {
	return Request{
		Symbol:    "KRW-BTC",
		Market:    models.MarketCrypto,
		Broker:    models.BrokerUpbit,
		Side:      models.SideBuy,
		OrderType: broker.OrderTypeMarket,
		Quantity:  d("0.05"),
		Price:     d("100000000"),
		SignalRef: "sig-1",
		Reason:    "entry signal",
	}
}

func TestExecute_LiveFill(t *testing.T) {
	exec, client, db := setupTest(t)

	client.On("PlaceOrder", mock.Anything, mock.MatchedBy(func(o broker.Order) bool {
		return o.Symbol == "KRW-BTC" && o.Side == models.SideBuy && o.ClientOrderID != ""
	})).Return(&broker.OrderResult{
		OrderID:       "ord-123",
		ExecutedQty:   d("0.05"),
		ExecutedPrice: d("100000000"),
		Fee:           d("2500"),
		CostsKnown:    true,
		Raw:           json.RawMessage(`{"uuid":"ord-123"}`),
	}, nil).Once()

	res, err := exec.Execute(context.Background(), buyRequest())

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Reused)
	assert.Equal(t, "ord-123", res.OrderID)
	assert.True(t, res.ExecutedQty.Equal(d("0.05")))

	var trades []models.Trade
	require.NoError(t, db.Find(&trades).Error)
	require.Len(t, trades, 1)
	assert.Equal(t, models.TradeStatusFilled, trades[0].Status)
	assert.Equal(t, models.CostSourceBroker, trades[0].CostSource)
	assert.True(t, trades[0].Fee.Equal(d("2500")))
	require.NotNil(t, trades[0].IdempotencyKey)
	assert.Equal(t, "UPBIT|CRYPTO|KRW-BTC|BUY|sig-1", *trades[0].IdempotencyKey)

	// The fill opens a position at the executed price.
	var pos models.Position
	require.NoError(t, db.Where("symbol = ?", "KRW-BTC").First(&pos).Error)
	assert.True(t, pos.Quantity.Equal(d("0.05")))
	assert.True(t, pos.AvgCost.Equal(d("100000000")))

	client.AssertExpectations(t)
}

func TestExecute_IdempotentReuse(t *testing.T) {
	exec, client, db := setupTest(t)

	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResult{
		OrderID:       "ord-123",
		ExecutedQty:   d("0.05"),
		ExecutedPrice: d("100000000"),
		CostsKnown:    true,
	}, nil).Once()

	first, err := exec.Execute(context.Background(), buyRequest())
	require.NoError(t, err)

	second, err := exec.Execute(context.Background(), buyRequest())
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.TradeID, second.TradeID)
	assert.Equal(t, "ord-123", second.OrderID)

	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "reuse must not create a second row")

	// Only one PlaceOrder call despite two Execute calls.
	client.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_EmptySignalRefSkipsDedupe(t *testing.T) {
	exec, client, db := setupTest(t)

	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResult{
		OrderID:       "ord-1",
		ExecutedQty:   d("0.01"),
		ExecutedPrice: d("100000000"),
		CostsKnown:    true,
	}, nil).Twice()

	req := buyRequest()
	req.SignalRef = ""

	_, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), req)
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.Trade{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestExecute_DryRun(t *testing.T) {
	exec, client, db := setupTest(t)

	req := buyRequest()
	req.DryRun = true

	res, err := exec.Execute(context.Background(), req)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.True(t, res.ExecutedQty.Equal(d("0.05")))
	assert.True(t, res.ExecutedPrice.Equal(d("100000000")))

	var trade models.Trade
	require.NoError(t, db.First(&trade).Error)
	assert.Equal(t, models.TradeStatusSimulated, trade.Status)
	assert.True(t, trade.DryRun)
	assert.Equal(t, models.CostSourceUnavailable, trade.CostSource)

	// Simulated fills still move the position book.
	var pos models.Position
	require.NoError(t, db.Where("symbol = ?", "KRW-BTC").First(&pos).Error)
	assert.True(t, pos.Quantity.Equal(d("0.05")))

	client.AssertNotCalled(t, "PlaceOrder")
}

func TestExecute_BrokerError(t *testing.T) {
	exec, client, db := setupTest(t)

	client.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(nil, errors.New("upbit: insufficient funds")).Once()

	res, err := exec.Execute(context.Background(), buyRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient funds")

	var trade models.Trade
	require.NoError(t, db.First(&trade).Error)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)
	assert.Contains(t, trade.ErrorMessage, "insufficient funds")
	assert.Equal(t, models.CostSourceUnavailable, trade.CostSource)

	// A failed order must not touch positions.
	var posCount int64
	require.NoError(t, db.Model(&models.Position{}).Count(&posCount).Error)
	assert.EqualValues(t, 0, posCount)
}

func TestExecute_UnknownBroker(t *testing.T) {
	exec, _, db := setupTest(t)

	req := buyRequest()
	req.Market = models.MarketUS
	req.Broker = models.BrokerKIS

	res, err := exec.Execute(context.Background(), req)

	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrUnsupportedBroker)
	assert.False(t, res.Success)

	var trade models.Trade
	require.NoError(t, db.First(&trade).Error)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)
}

func TestExecute_DailyCap(t *testing.T) {
	exec, client, db := setupTest(t)
	exec.cfg = &config.Trading{MaxTradesPerDay: 1}

	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResult{
		OrderID:       "ord-1",
		ExecutedQty:   d("0.01"),
		ExecutedPrice: d("100000000"),
		CostsKnown:    true,
	}, nil).Once()

	_, err := exec.Execute(context.Background(), buyRequest())
	require.NoError(t, err)

	second := buyRequest()
	second.SignalRef = "sig-2"
	res, err := exec.Execute(context.Background(), second)

	assert.ErrorIs(t, err, ErrDailyCapReached)
	assert.False(t, res.Success)

	var trades []models.Trade
	require.NoError(t, db.Order("id").Find(&trades).Error)
	require.Len(t, trades, 2)
	assert.Equal(t, models.TradeStatusFailed, trades[1].Status)
	assert.Contains(t, trades[1].ErrorMessage, "daily trade cap")

	client.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestExecute_FailedTradesDoNotConsumeCap(t *testing.T) {
	exec, client, _ := setupTest(t)
	exec.cfg = &config.Trading{MaxTradesPerDay: 1}

	client.On("PlaceOrder", mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout")).Once()
	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResult{
		OrderID:       "ord-2",
		ExecutedQty:   d("0.01"),
		ExecutedPrice: d("100000000"),
		CostsKnown:    true,
	}, nil).Once()

	_, err := exec.Execute(context.Background(), buyRequest())
	require.Error(t, err)

	retry := buyRequest()
	retry.SignalRef = "sig-2"
	res, err := exec.Execute(context.Background(), retry)

	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecute_NotionalCap(t *testing.T) {
	exec, client, db := setupTest(t)
	exec.cfg = &config.Trading{MaxTradesPerDay: 10, MaxNotionalPerTrade: 1000000}

	res, err := exec.Execute(context.Background(), buyRequest()) // 0.05 * 100M = 5M

	assert.ErrorIs(t, err, ErrNotionalCapExceeded)
	assert.False(t, res.Success)

	var trade models.Trade
	require.NoError(t, db.First(&trade).Error)
	assert.Equal(t, models.TradeStatusFailed, trade.Status)
	assert.Contains(t, trade.ErrorMessage, "notional")

	client.AssertNotCalled(t, "PlaceOrder")
}

func TestExecute_CostsUnknownStaysUnavailable(t *testing.T) {
	exec, client, db := setupTest(t)

	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(&broker.OrderResult{
		OrderID:       "ord-async",
		ExecutedQty:   d("0.05"),
		ExecutedPrice: d("100000000"),
		CostsKnown:    false,
	}, nil).Once()

	res, err := exec.Execute(context.Background(), buyRequest())

	require.NoError(t, err)
	assert.True(t, res.Success)

	var trade models.Trade
	require.NoError(t, db.First(&trade).Error)
	assert.Equal(t, models.CostSourceUnavailable, trade.CostSource)
}

func TestApplyFill_PositionMath(t *testing.T) {
	exec, client, db := setupTest(t)

	fill := func(qty, price string) *broker.OrderResult {
		return &broker.OrderResult{
			OrderID:       "ord",
			ExecutedQty:   d(qty),
			ExecutedPrice: d(price),
			CostsKnown:    true,
		}
	}

	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(fill("1", "100"), nil).Once()
	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(fill("1", "200"), nil).Once()
	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(fill("0.5", "250"), nil).Once()
	client.On("PlaceOrder", mock.Anything, mock.Anything).Return(fill("5", "250"), nil).Once()

	buy := func(ref string) Request {
		r := buyRequest()
		r.SignalRef = ref
		r.Quantity = d("1")
		return r
	}

	_, err := exec.Execute(context.Background(), buy("b1"))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), buy("b2"))
	require.NoError(t, err)

	var pos models.Position
	require.NoError(t, db.Where("symbol = ?", "KRW-BTC").First(&pos).Error)
	assert.True(t, pos.Quantity.Equal(d("2")))
	assert.True(t, pos.AvgCost.Equal(d("150")), "two buys average to 150, got %s", pos.AvgCost)

	sell := buy("s1")
	sell.Side = models.SideSell
	_, err = exec.Execute(context.Background(), sell)
	require.NoError(t, err)

	require.NoError(t, db.Where("symbol = ?", "KRW-BTC").First(&pos).Error)
	assert.True(t, pos.Quantity.Equal(d("1.5")))

	// An oversell clamps the position at zero instead of going short.
	over := buy("s2")
	over.Side = models.SideSell
	_, err = exec.Execute(context.Background(), over)
	require.NoError(t, err)

	require.NoError(t, db.Where("symbol = ?", "KRW-BTC").First(&pos).Error)
	assert.True(t, pos.Quantity.IsZero(), "oversell should clamp to zero, got %s", pos.Quantity)
}
