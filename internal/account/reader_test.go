package account

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"auto-trade-bot-go/internal/models"
)

// setupTest creates a reader backed by a fresh in-memory database.
func setupTest(t *testing.T) (*Reader, *gorm.DB) {
	// Use a new, non-shared in-memory database for each test to ensure isolation.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&models.Balance{}, &models.Position{}, &models.Candle{}, &models.ACELog{})
	require.NoError(t, err)

	return NewReader(db, zap.NewNop()), db
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCash(t *testing.T) {
	t.Run("ReturnsQuoteCurrencyBalance", func(t *testing.T) {
		// Arrange
		reader, db := setupTest(t)
		db.Create(&models.Balance{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Currency: "KRW", Amount: d("1500000")})
		db.Create(&models.Balance{Broker: models.BrokerKIS, Market: models.MarketUS, Currency: "USD", Amount: d("2000")})

		// Act
		cash, err := reader.Cash(context.Background(), models.BrokerUpbit, models.MarketCrypto)

		// Assert
		require.NoError(t, err)
		assert.True(t, cash.Equal(d("1500000")))
	})

	t.Run("MissingRowIsZero", func(t *testing.T) {
		reader, _ := setupTest(t)
		cash, err := reader.Cash(context.Background(), models.BrokerKIS, models.MarketKRX)
		require.NoError(t, err)
		assert.True(t, cash.IsZero())
	})
}

func TestOpenPosition(t *testing.T) {
	t.Run("NilWhenFlat", func(t *testing.T) {
		reader, db := setupTest(t)
		db.Create(&models.Position{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Symbol: "XRP", Quantity: decimal.Zero, AvgCost: d("800")})

		p, err := reader.OpenPosition(context.Background(), models.BrokerUpbit, models.MarketCrypto, "XRP")
		require.NoError(t, err)
		assert.Nil(t, p)

		p, err = reader.OpenPosition(context.Background(), models.BrokerUpbit, models.MarketCrypto, "BTC")
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("ReturnsOpenPosition", func(t *testing.T) {
		reader, db := setupTest(t)
		db.Create(&models.Position{Broker: models.BrokerKIS, Market: models.MarketKRX, Symbol: "005930", Quantity: d("10"), AvgCost: d("71500")})

		p, err := reader.OpenPosition(context.Background(), models.BrokerKIS, models.MarketKRX, "005930")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.True(t, p.Quantity.Equal(d("10")))
	})
}

func TestLatestClose(t *testing.T) {
	t.Run("ReturnsNewest", func(t *testing.T) {
		// Arrange
		reader, db := setupTest(t)
		now := time.Now()
		db.Create(&models.Candle{Market: models.MarketCrypto, Symbol: "BTC", Timestamp: now.Add(-2 * time.Minute), Close: d("99000000")})
		db.Create(&models.Candle{Market: models.MarketCrypto, Symbol: "BTC", Timestamp: now, Close: d("100000000")})

		// Act
		price, err := reader.LatestClose(context.Background(), models.MarketCrypto, "BTC")

		// Assert
		require.NoError(t, err)
		assert.True(t, price.Equal(d("100000000")))
	})

	t.Run("NoCandlesFails", func(t *testing.T) {
		reader, _ := setupTest(t)
		_, err := reader.LatestClose(context.Background(), models.MarketCrypto, "DOGE")
		assert.ErrorIs(t, err, ErrNoPrice)
	})
}

func TestRecentCandles(t *testing.T) {
	// Arrange
	reader, db := setupTest(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		db.Create(&models.Candle{
			Market:    models.MarketCrypto,
			Symbol:    "BTC",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Close:     decimal.NewFromInt(int64(100 + i)),
		})
	}

	// Act
	candles, err := reader.RecentCandles(context.Background(), models.MarketCrypto, "BTC", 3)

	// Assert
	require.NoError(t, err)
	require.Len(t, candles, 3)
	// Newest three, oldest first.
	assert.True(t, candles[0].Close.Equal(d("102")))
	assert.True(t, candles[2].Close.Equal(d("104")))
	assert.True(t, candles[0].Timestamp.Before(candles[1].Timestamp))
}

func TestSnapshot(t *testing.T) {
	t.Run("EquityIsCashPlusPositionValue", func(t *testing.T) {
		// Arrange
		reader, db := setupTest(t)
		db.Create(&models.Balance{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Currency: "KRW", Amount: d("1000000")})
		db.Create(&models.Position{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Symbol: "ETH", Quantity: d("2"), AvgCost: d("400")})
		db.Create(&models.Candle{Market: models.MarketCrypto, Symbol: "ETH", Timestamp: time.Now(), Close: d("500")})

		// Act
		snap, err := reader.Snapshot(context.Background(), models.BrokerUpbit, models.MarketCrypto)

		// Assert
		require.NoError(t, err)
		assert.True(t, snap.Cash.Equal(d("1000000")))
		assert.True(t, snap.PositionValue.Equal(d("1000")))
		assert.True(t, snap.Equity.Equal(d("1001000")))
		assert.Len(t, snap.Positions, 1)
	})

	t.Run("UnpricedPositionValuedAtCost", func(t *testing.T) {
		// Arrange
		reader, db := setupTest(t)
		db.Create(&models.Balance{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Currency: "KRW", Amount: d("500")})
		db.Create(&models.Position{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Symbol: "SOL", Quantity: d("3"), AvgCost: d("100")})

		// Act
		snap, err := reader.Snapshot(context.Background(), models.BrokerUpbit, models.MarketCrypto)

		// Assert
		require.NoError(t, err)
		assert.True(t, snap.PositionValue.Equal(d("300")))
		assert.True(t, snap.Equity.Equal(d("800")))
	})
}

func TestDailyPnL(t *testing.T) {
	// Arrange
	reader, db := setupTest(t)
	now := time.Now()
	yesterday := now.Add(-26 * time.Hour)

	realizedToday := d("-3000")
	realizedOld := d("99999")
	db.Create(&models.ACELog{
		ACEID: "ace-1", Symbol: "ETH", Market: models.MarketCrypto, Broker: models.BrokerUpbit,
		Side: models.SideBuy, NetPnL: &realizedToday, OutcomeAt: &now,
	})
	db.Create(&models.ACELog{
		ACEID: "ace-2", Symbol: "BTC", Market: models.MarketCrypto, Broker: models.BrokerUpbit,
		Side: models.SideBuy, NetPnL: &realizedOld, OutcomeAt: &yesterday,
	})

	// Open position marked up 1000: qty 2, cost 450, close 950.
	db.Create(&models.Position{Broker: models.BrokerUpbit, Market: models.MarketCrypto, Symbol: "ETH", Quantity: d("2"), AvgCost: d("450")})
	db.Create(&models.Candle{Market: models.MarketCrypto, Symbol: "ETH", Timestamp: now, Close: d("950")})

	// Act
	pnl, err := reader.DailyPnL(context.Background(), models.BrokerUpbit, models.MarketCrypto, now)

	// Assert
	require.NoError(t, err)
	// -3000 realized + 1000 unrealized; yesterday's row excluded.
	assert.True(t, pnl.Equal(d("-2000")), "got %s", pnl)
}
