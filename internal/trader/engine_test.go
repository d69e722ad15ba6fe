package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/account"
	"auto-trade-bot-go/internal/audit"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/execution"
	"auto-trade-bot-go/internal/liquidation"
	"auto-trade-bot-go/internal/models"
	"auto-trade-bot-go/internal/risk"
	"auto-trade-bot-go/internal/rules"
)

type MockAccount struct{ mock.Mock }

func (m *MockAccount) Snapshot(ctx context.Context, brk models.Broker, market models.Market) (*account.Snapshot, error) {
	args := m.Called(ctx, brk, market)
	snap, _ := args.Get(0).(*account.Snapshot)
	return snap, args.Error(1)
}

func (m *MockAccount) DailyPnL(ctx context.Context, brk models.Broker, market models.Market, now time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, brk, market, now)
	pnl, _ := args.Get(0).(decimal.Decimal)
	return pnl, args.Error(1)
}

func (m *MockAccount) OpenPositions(ctx context.Context, market models.Market) ([]models.Position, error) {
	args := m.Called(ctx, market)
	positions, _ := args.Get(0).([]models.Position)
	return positions, args.Error(1)
}

func (m *MockAccount) OpenPosition(ctx context.Context, brk models.Broker, market models.Market, symbol string) (*models.Position, error) {
	args := m.Called(ctx, brk, market, symbol)
	pos, _ := args.Get(0).(*models.Position)
	return pos, args.Error(1)
}

func (m *MockAccount) LatestClose(ctx context.Context, market models.Market, symbol string) (decimal.Decimal, error) {
	args := m.Called(ctx, market, symbol)
	price, _ := args.Get(0).(decimal.Decimal)
	return price, args.Error(1)
}

func (m *MockAccount) RecentCandles(ctx context.Context, market models.Market, symbol string, count int) ([]models.Candle, error) {
	args := m.Called(ctx, market, symbol, count)
	candles, _ := args.Get(0).([]models.Candle)
	return candles, args.Error(1)
}

type MockGuard struct{ mock.Mock }

func (m *MockGuard) Ensure(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockGuard) RecordFailure(ctx context.Context, cause string) (bool, error) {
	args := m.Called(ctx, cause)
	return args.Bool(0), args.Error(1)
}

func (m *MockGuard) RecordSuccess(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockGuard) CheckDailyLoss(ctx context.Context, market models.Market, dailyPnL, equity decimal.Decimal) (bool, error) {
	args := m.Called(ctx, market, dailyPnL, equity)
	return args.Bool(0), args.Error(1)
}

type MockGatekeeper struct{ mock.Mock }

func (m *MockGatekeeper) ValidateTradeRisk(ctx context.Context, in risk.Input) (*risk.Validation, error) {
	args := m.Called(ctx, in)
	v, _ := args.Get(0).(*risk.Validation)
	return v, args.Error(1)
}

type MockExecutor struct{ mock.Mock }

func (m *MockExecutor) Execute(ctx context.Context, req execution.Request) (*execution.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*execution.Result)
	return res, args.Error(1)
}

type MockAudit struct{ mock.Mock }

func (m *MockAudit) LogEntry(ctx context.Context, rec audit.EntryRecord) (string, error) {
	args := m.Called(ctx, rec)
	return args.String(0), args.Error(1)
}

type MockLiquidator struct{ mock.Mock }

func (m *MockLiquidator) LiquidateAll(ctx context.Context, opts liquidation.Options) liquidation.Summary {
	args := m.Called(ctx, opts)
	s, _ := args.Get(0).(liquidation.Summary)
	return s
}

type engineFixture struct {
	engine     *Engine
	db         *gorm.DB
	account    *MockAccount
	guard      *MockGuard
	gatekeeper *MockGatekeeper
	executor   *MockExecutor
	audit      *MockAudit
	liquidator *MockLiquidator
}

func setupTest(t *testing.T) *engineFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Signal{}, &models.Trade{}, &models.Position{}))

	cfg := &config.Config{
		App: config.App{Enabled: true},
		Trading: config.Trading{
			RiskPct:         0.01,
			MinConfidence:   0.6,
			EntryConfidence: 0.7,
			StopLossPct:     0.05,
			TakeProfitPct:   0.10,
			ATRPeriod:       14,
			ATRMultiplier:   1.5,
			RewardMultiple:  2.0,
		},
		Markets: config.Markets{
			Crypto: config.MarketLoop{Enabled: true, IntervalSeconds: 60},
			KRX:    config.MarketLoop{Enabled: true, IntervalSeconds: 300},
		},
	}

	f := &engineFixture{
		db:         db,
		account:    &MockAccount{},
		guard:      &MockGuard{},
		gatekeeper: &MockGatekeeper{},
		executor:   &MockExecutor{},
		audit:      &MockAudit{},
		liquidator: &MockLiquidator{},
	}
	f.engine = NewEngine(zap.NewNop(), cfg, db,
		f.account, f.guard, f.gatekeeper, rules.NewEngine(&cfg.Trading),
		f.executor, f.audit, f.liquidator)
	return f
}

func d(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

// allowHealthyTick wires the happy path up to candidate processing: breaker
// closed, flat daily PnL, no open positions.
func (f *engineFixture) allowHealthyTick() {
	f.guard.On("Ensure", mock.Anything).Return(true, nil)
	f.account.On("Snapshot", mock.Anything, models.BrokerUpbit, models.MarketCrypto).
		Return(&account.Snapshot{
			Broker: models.BrokerUpbit,
			Market: models.MarketCrypto,
			Cash:   d("10000000"),
			Equity: d("10000000"),
		}, nil)
	f.account.On("DailyPnL", mock.Anything, models.BrokerUpbit, models.MarketCrypto, mock.Anything).
		Return(decimal.Zero, nil)
	f.guard.On("CheckDailyLoss", mock.Anything, models.MarketCrypto, mock.Anything, mock.Anything).
		Return(false, nil)
	f.account.On("OpenPositions", mock.Anything, models.MarketCrypto).
		Return([]models.Position{}, nil)
}

func (f *engineFixture) seedSignal(t *testing.T, symbol string, decision models.SignalDecision, confidence string) *models.Signal {
	t.Helper()
	sig := &models.Signal{
		Symbol:      symbol,
		Market:      models.MarketCrypto,
		Broker:      models.BrokerUpbit,
		Decision:    decision,
		Confidence:  d(confidence),
		EntryPrice:  d("100000000"),
		TargetPrice: d("105000000"),
		StopLoss:    d("98000000"),
		Rationale:   "momentum breakout",
	}
	require.NoError(t, f.db.Create(sig).Error)
	return sig
}

func TestTickOnce_BuySignalFlow(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()
	sig := f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.85")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, "KRW-BTC").
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("100000000"), nil)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.MatchedBy(func(in risk.Input) bool {
		return in.Symbol == "KRW-BTC" &&
			in.Entry.Equal(d("100000000")) &&
			in.StopLoss.Equal(d("98000000"))
	})).Return(&risk.Validation{Approved: true, PositionSize: d("0.05")}, nil)
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req execution.Request) bool {
		return req.Side == models.SideBuy &&
			req.Quantity.Equal(d("0.05")) &&
			req.SignalRef == fmt.Sprintf("signal-%d", sig.ID) &&
			!req.BypassCaps
	})).Return(&execution.Result{Success: true, ExecutedQty: d("0.05"), ExecutedPrice: d("100000000")}, nil)
	f.guard.On("RecordSuccess", mock.Anything).Return(nil)
	f.audit.On("LogEntry", mock.Anything, mock.MatchedBy(func(rec audit.EntryRecord) bool {
		return rec.Signal != nil && rec.Signal.Symbol == "KRW-BTC" && rec.Validation != nil
	})).Return("ace-1", nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.executor.AssertNumberOfCalls(t, "Execute", 1)
	f.audit.AssertNumberOfCalls(t, "LogEntry", 1)
	f.guard.AssertNumberOfCalls(t, "RecordSuccess", 1)

	var reloaded models.Signal
	require.NoError(t, f.db.First(&reloaded, sig.ID).Error)
	assert.True(t, reloaded.Consumed())
}

func TestTickOnce_SignalConsumedExactlyOnce(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.85")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, "KRW-BTC").
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("100000000"), nil)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.Anything).
		Return(&risk.Validation{Approved: true, PositionSize: d("0.05")}, nil)
	f.executor.On("Execute", mock.Anything, mock.Anything).
		Return(&execution.Result{Success: true, ExecutedQty: d("0.05")}, nil)
	f.guard.On("RecordSuccess", mock.Anything).Return(nil)
	f.audit.On("LogEntry", mock.Anything, mock.Anything).Return("ace-1", nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)
	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestTickOnce_GuardDisabledSkipsPipeline(t *testing.T) {
	f := setupTest(t)
	f.guard.On("Ensure", mock.Anything).Return(false, nil)
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.85")

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.account.AssertNumberOfCalls(t, "Snapshot", 0)
	f.executor.AssertNumberOfCalls(t, "Execute", 0)

	// The untouched signal stays available for after the cooldown.
	var sig models.Signal
	require.NoError(t, f.db.First(&sig).Error)
	assert.False(t, sig.Consumed())
}

func TestTickOnce_DailyLossTripLiquidates(t *testing.T) {
	f := setupTest(t)
	f.guard.On("Ensure", mock.Anything).Return(true, nil)
	f.account.On("Snapshot", mock.Anything, models.BrokerUpbit, models.MarketCrypto).
		Return(&account.Snapshot{Equity: d("10000000")}, nil)
	f.account.On("DailyPnL", mock.Anything, models.BrokerUpbit, models.MarketCrypto, mock.Anything).
		Return(d("-600000"), nil)
	f.guard.On("CheckDailyLoss", mock.Anything, models.MarketCrypto, d("-600000"), d("10000000")).
		Return(true, nil)
	f.liquidator.On("LiquidateAll", mock.Anything, mock.MatchedBy(func(opts liquidation.Options) bool {
		return strings.Contains(opts.Reason, "daily loss")
	})).Return(liquidation.Summary{Sold: 2})
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.85")

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.liquidator.AssertNumberOfCalls(t, "LiquidateAll", 1)
	f.executor.AssertNumberOfCalls(t, "Execute", 0)

	var sig models.Signal
	require.NoError(t, f.db.First(&sig).Error)
	assert.False(t, sig.Consumed(), "signals must survive a halted tick")
}

func TestTickOnce_RejectedByGateDoesNotTrade(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.85")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, "KRW-BTC").
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("100000000"), nil)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.Anything).
		Return(&risk.Validation{Approved: false, Violations: []string{"total exposure limit exceeded"}}, nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.executor.AssertNumberOfCalls(t, "Execute", 0)
	f.audit.AssertNumberOfCalls(t, "LogEntry", 0)

	// A rejection is a verdict, not an error: the signal is spent.
	var sig models.Signal
	require.NoError(t, f.db.First(&sig).Error)
	assert.True(t, sig.Consumed())
}

func TestTickOnce_ExecutionFailureFeedsBreaker(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.85")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, "KRW-BTC").
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("100000000"), nil)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.Anything).
		Return(&risk.Validation{Approved: true, PositionSize: d("0.05")}, nil)
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(nil, assert.AnError)
	f.guard.On("RecordFailure", mock.Anything, mock.Anything).Return(false, nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.guard.AssertNumberOfCalls(t, "RecordFailure", 1)
	f.guard.AssertNumberOfCalls(t, "RecordSuccess", 0)
	// No retry within the tick.
	f.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestTickOnce_BreakerTripMidTickStopsCandidates(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.90")
	f.seedSignal(t, "KRW-ETH", models.DecisionBuy, "0.80")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, mock.Anything).
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, mock.Anything).
		Return(d("100000000"), nil)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.Anything).
		Return(&risk.Validation{Approved: true, PositionSize: d("0.05")}, nil)
	f.executor.On("Execute", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()
	f.guard.On("RecordFailure", mock.Anything, mock.Anything).Return(true, nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	// The higher-confidence candidate failed and tripped the breaker; the
	// second one is never attempted.
	f.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestTickOnce_DailyCapStopsEntriesButSweepsExits(t *testing.T) {
	f := setupTest(t)
	f.guard.On("Ensure", mock.Anything).Return(true, nil)
	f.account.On("Snapshot", mock.Anything, models.BrokerUpbit, models.MarketCrypto).
		Return(&account.Snapshot{Equity: d("10000000")}, nil)
	f.account.On("DailyPnL", mock.Anything, models.BrokerUpbit, models.MarketCrypto, mock.Anything).
		Return(decimal.Zero, nil)
	f.guard.On("CheckDailyLoss", mock.Anything, models.MarketCrypto, mock.Anything, mock.Anything).
		Return(false, nil)
	f.seedSignal(t, "KRW-BTC", models.DecisionBuy, "0.90")
	f.seedSignal(t, "KRW-ETH", models.DecisionBuy, "0.80")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, mock.Anything).
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("100000000"), nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-ETH").
		Return(d("5000000"), nil)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.Anything).
		Return(&risk.Validation{Approved: true, PositionSize: d("0.05")}, nil)
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req execution.Request) bool {
		return req.Side == models.SideBuy
	})).Return(nil, execution.ErrDailyCapReached).Once()

	// An open position 6% underwater must still be stopped out.
	f.account.On("OpenPositions", mock.Anything, models.MarketCrypto).
		Return([]models.Position{{
			Broker:   models.BrokerUpbit,
			Market:   models.MarketCrypto,
			Symbol:   "KRW-XRP",
			Quantity: d("100"),
			AvgCost:  d("1000"),
		}}, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-XRP").
		Return(d("940"), nil)
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req execution.Request) bool {
		return req.Side == models.SideSell && req.Symbol == "KRW-XRP" && req.BypassCaps
	})).Return(&execution.Result{Success: true, ExecutedQty: d("100")}, nil).Once()
	f.guard.On("RecordSuccess", mock.Anything).Return(nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.executor.AssertNumberOfCalls(t, "Execute", 2)
	// A policy stop is not an infrastructure failure.
	f.guard.AssertNumberOfCalls(t, "RecordFailure", 0)
}

func TestTickOnce_BlockingSignalExitsPosition(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()
	sig := f.seedSignal(t, "KRW-BTC", models.DecisionSell, "0.90")

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, "KRW-BTC").
		Return(&models.Position{
			Broker:   models.BrokerUpbit,
			Market:   models.MarketCrypto,
			Symbol:   "KRW-BTC",
			Quantity: d("0.05"),
			AvgCost:  d("100000000"),
		}, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("101000000"), nil)
	f.executor.On("Execute", mock.Anything, mock.MatchedBy(func(req execution.Request) bool {
		return req.Side == models.SideSell &&
			req.Quantity.Equal(d("0.05")) &&
			req.SignalRef == fmt.Sprintf("signal-%d", sig.ID) &&
			req.BypassCaps
	})).Return(&execution.Result{Success: true, ExecutedQty: d("0.05")}, nil)
	f.guard.On("RecordSuccess", mock.Anything).Return(nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.executor.AssertNumberOfCalls(t, "Execute", 1)
	// Exits reduce risk; the gate never sees them.
	f.gatekeeper.AssertNumberOfCalls(t, "ValidateTradeRisk", 0)
}

func TestTickOnce_DerivesStopAndTargetWhenSignalOmitsThem(t *testing.T) {
	f := setupTest(t)
	f.allowHealthyTick()

	sig := &models.Signal{
		Symbol:     "KRW-BTC",
		Market:     models.MarketCrypto,
		Broker:     models.BrokerUpbit,
		Decision:   models.DecisionBuy,
		Confidence: d("0.85"),
		EntryPrice: d("100000000"),
	}
	require.NoError(t, f.db.Create(sig).Error)

	f.account.On("OpenPosition", mock.Anything, models.BrokerUpbit, models.MarketCrypto, "KRW-BTC").
		Return(nil, nil)
	f.account.On("LatestClose", mock.Anything, models.MarketCrypto, "KRW-BTC").
		Return(d("100000000"), nil)
	// No candle history: the flat stop_loss_pct fallback applies.
	f.account.On("RecentCandles", mock.Anything, models.MarketCrypto, "KRW-BTC", 15).
		Return(nil, assert.AnError)
	f.gatekeeper.On("ValidateTradeRisk", mock.Anything, mock.MatchedBy(func(in risk.Input) bool {
		return in.StopLoss.Equal(d("95000000"))
	})).Return(&risk.Validation{Approved: true, PositionSize: d("0.05")}, nil)
	f.executor.On("Execute", mock.Anything, mock.Anything).
		Return(&execution.Result{Success: true, ExecutedQty: d("0.05")}, nil)
	f.guard.On("RecordSuccess", mock.Anything).Return(nil)
	f.audit.On("LogEntry", mock.Anything, mock.MatchedBy(func(rec audit.EntryRecord) bool {
		return rec.Signal.StopLoss.Equal(d("95000000")) &&
			rec.Signal.TargetPrice.Equal(d("110000000"))
	})).Return("ace-1", nil)

	f.engine.TickOnce(context.Background(), models.MarketCrypto)

	f.executor.AssertNumberOfCalls(t, "Execute", 1)
	f.audit.AssertNumberOfCalls(t, "LogEntry", 1)
}

func TestTickOnce_SkipsOverlappingTick(t *testing.T) {
	f := setupTest(t)

	release := make(chan struct{})
	started := make(chan struct{})
	f.guard.On("Ensure", mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(false, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.engine.TickOnce(context.Background(), models.MarketCrypto)
	}()

	<-started
	// The overlapping invocation returns immediately, with no side effects.
	f.engine.TickOnce(context.Background(), models.MarketCrypto)
	close(release)
	wg.Wait()

	f.guard.AssertNumberOfCalls(t, "Ensure", 1)
}

func TestTickOnce_MarketsLockIndependently(t *testing.T) {
	f := setupTest(t)

	f.engine.locks[models.MarketCrypto].Lock()
	defer f.engine.locks[models.MarketCrypto].Unlock()

	f.guard.On("Ensure", mock.Anything).Return(false, nil)
	f.engine.TickOnce(context.Background(), models.MarketKRX)

	f.guard.AssertNumberOfCalls(t, "Ensure", 1)
}

func TestTickOnce_HoursGatingSkipsClosedMarket(t *testing.T) {
	f := setupTest(t)
	f.engine.cfg.Markets.HoursGating = true
	// Saturday morning in Seoul.
	f.engine.now = func() time.Time {
		return time.Date(2026, 3, 7, 10, 0, 0, 0, seoulTZ)
	}

	f.engine.TickOnce(context.Background(), models.MarketKRX)
	f.guard.AssertNumberOfCalls(t, "Ensure", 0)

	// Crypto trades through the weekend.
	f.guard.On("Ensure", mock.Anything).Return(false, nil)
	f.engine.TickOnce(context.Background(), models.MarketCrypto)
	f.guard.AssertNumberOfCalls(t, "Ensure", 1)
}

func TestMarketOpen(t *testing.T) {
	cases := []struct {
		name   string
		market models.Market
		at     time.Time
		open   bool
	}{
		{"crypto weekend", models.MarketCrypto, time.Date(2026, 3, 8, 3, 0, 0, 0, seoulTZ), true},
		{"krx mid session", models.MarketKRX, time.Date(2026, 3, 3, 10, 0, 0, 0, seoulTZ), true},
		{"krx before open", models.MarketKRX, time.Date(2026, 3, 3, 8, 59, 0, 0, seoulTZ), false},
		{"krx at close", models.MarketKRX, time.Date(2026, 3, 3, 15, 30, 0, 0, seoulTZ), false},
		{"krx saturday", models.MarketKRX, time.Date(2026, 3, 7, 10, 0, 0, 0, seoulTZ), false},
		{"us at open", models.MarketUS, time.Date(2026, 3, 2, 9, 30, 0, 0, nyTZ), true},
		{"us at close", models.MarketUS, time.Date(2026, 3, 2, 16, 0, 0, 0, nyTZ), false},
		{"us mid session", models.MarketUS, time.Date(2026, 3, 6, 12, 0, 0, 0, nyTZ), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.open, MarketOpen(tc.market, tc.at))
		})
	}
}
