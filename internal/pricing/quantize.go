package pricing

import (
	"github.com/shopspring/decimal"

	"auto-trade-bot-go/internal/models"
)

const (
	cryptoScale = 8
	equityScale = 2
)

// QuantizeQty floors a quantity to what the market accepts: 8 fractional
// digits for crypto, whole shares for equities. Flooring, never rounding up,
// so a sized order can never exceed the risk budget that produced it.
func QuantizeQty(market models.Market, qty decimal.Decimal) decimal.Decimal {
	if market == models.MarketCrypto {
		return qty.Truncate(cryptoScale)
	}
	return qty.Truncate(0)
}

// QuantizePrice truncates a price to the market's precision: 8 fractional
// digits for crypto, 2 for equities.
func QuantizePrice(market models.Market, price decimal.Decimal) decimal.Decimal {
	if market == models.MarketCrypto {
		return price.Truncate(cryptoScale)
	}
	return price.Truncate(equityScale)
}
