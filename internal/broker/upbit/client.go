// Package upbit implements the crypto brokerage adapter. Upbit authenticates
// every request with a short-lived JWT carrying a SHA512 hash of the query
// parameters; order quantities are 8-decimal strings quoted in KRW.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"auto-trade-bot-go/internal/backoff"
	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

const (
	defaultBaseURL = "https://api.upbit.com/v1"
	quoteCurrency  = "KRW"

	sideBid = "bid" // buy
	sideAsk = "ask" // sell

	ordTypeLimit  = "limit"
	ordTypePrice  = "price"  // market buy, quoted in KRW to spend
	ordTypeMarket = "market" // market sell, quoted in volume

	requestTimeout = 10 * time.Second
	maxRetries     = 3
	retryBaseDelay = time.Second

	stateDone      = "done"
	stateCancelled = "cancel"
)

// Client is a client for the Upbit REST API.
type Client struct {
	client    *resty.Client
	accessKey string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure Client implements the broker interface
var _ broker.Client = (*Client)(nil)

// NewClient creates a new Upbit REST API client.
func NewClient(cfg *config.Upbit, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)

	return &Client{
		client:    client,
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		logger:    logger.Named("upbit"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
	}
}

// Name identifies the brokerage.
func (c *Client) Name() models.Broker { return models.BrokerUpbit }

// Markets lists the market segments this client can trade.
func (c *Client) Markets() []models.Market { return []models.Market{models.MarketCrypto} }

// authToken builds the per-request JWT. When params are present their encoded
// form is hashed into the claims, which is what Upbit verifies server-side.
func (c *Client) authToken(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign request token: %w", err)
	}
	return "Bearer " + signed, nil
}

// doRequest executes the request with rate limiting and retry on 429/5xx.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	bo := backoff.New(retryBaseDelay, 0)

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err = req.SetContext(ctx).Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && resp.StatusCode() != 0 {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, aerr := strconv.Atoi(resp.Header().Get("Retry-After")); aerr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			retryAfter = bo.Next()
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// orderResponse is Upbit's order shape, both on placement and lookup.
type orderResponse struct {
	UUID           string       `json:"uuid"`
	Side           string       `json:"side"`
	OrdType        string       `json:"ord_type"`
	State          string       `json:"state"`
	Market         string       `json:"market"`
	Volume         string       `json:"volume"`
	ExecutedVolume string       `json:"executed_volume"`
	PaidFee        string       `json:"paid_fee"`
	Trades         []orderTrade `json:"trades"`
}

type orderTrade struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Funds  string `json:"funds"`
}

// marketCode maps an engine symbol ("BTC") to Upbit's market code ("KRW-BTC").
func marketCode(symbol string) string {
	return quoteCurrency + "-" + symbol
}

// PlaceOrder submits an order and returns the normalized result.
func (c *Client) PlaceOrder(ctx context.Context, o broker.Order) (*broker.OrderResult, error) {
	params := url.Values{}
	params.Set("market", marketCode(o.Symbol))

	switch {
	case o.Side == models.SideBuy && o.Type == broker.OrderTypeMarket:
		// Market buys are quoted in KRW to spend, not volume.
		params.Set("side", sideBid)
		params.Set("ord_type", ordTypePrice)
		params.Set("price", o.Quantity.Mul(o.Price).Truncate(0).String())
	case o.Side == models.SideSell && o.Type == broker.OrderTypeMarket:
		params.Set("side", sideAsk)
		params.Set("ord_type", ordTypeMarket)
		params.Set("volume", o.Quantity.String())
	default:
		side := sideAsk
		if o.Side == models.SideBuy {
			side = sideBid
		}
		params.Set("side", side)
		params.Set("ord_type", ordTypeLimit)
		params.Set("volume", o.Quantity.String())
		params.Set("price", o.Price.String())
	}

	encoded := params.Encode()
	auth, err := c.authToken(encoded)
	if err != nil {
		return nil, err
	}

	req := c.client.R().
		SetHeader("Authorization", auth).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(encoded).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, "POST", "/orders", req)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", o.Symbol),
			zap.String("side", string(o.Side)),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	result := resp.Result().(*orderResponse)
	c.logger.Info("Order accepted",
		zap.String("order_id", result.UUID),
		zap.String("state", result.State),
	)
	return c.normalize(result, resp.Body(), o.Price), nil
}

// OrderDetail fetches an order's current state including fills and fees.
func (c *Client) OrderDetail(ctx context.Context, _ models.Market, _ string, orderID string) (*broker.OrderResult, error) {
	params := url.Values{}
	params.Set("uuid", orderID)
	encoded := params.Encode()

	auth, err := c.authToken(encoded)
	if err != nil {
		return nil, err
	}

	req := c.client.R().
		SetHeader("Authorization", auth).
		SetQueryString(encoded).
		SetResult(&orderResponse{})

	resp, err := c.doRequest(ctx, "GET", "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order detail: %w", err)
	}

	return c.normalize(resp.Result().(*orderResponse), resp.Body(), decimal.Zero), nil
}

// normalize converts Upbit's order shape to the broker-neutral result.
// Average price is funds/volume over the fills; no transaction tax on crypto.
func (c *Client) normalize(r *orderResponse, raw []byte, fallbackPrice decimal.Decimal) *broker.OrderResult {
	executedQty := parseDecimal(r.ExecutedVolume)

	totalFunds := decimal.Zero
	totalVolume := decimal.Zero
	for _, t := range r.Trades {
		totalFunds = totalFunds.Add(parseDecimal(t.Funds))
		totalVolume = totalVolume.Add(parseDecimal(t.Volume))
	}

	avgPrice := fallbackPrice
	if totalVolume.IsPositive() {
		avgPrice = totalFunds.Div(totalVolume)
	}
	if executedQty.IsZero() && totalVolume.IsPositive() {
		executedQty = totalVolume
	}

	return &broker.OrderResult{
		OrderID:       r.UUID,
		ExecutedQty:   executedQty,
		ExecutedPrice: avgPrice,
		Fee:           parseDecimal(r.PaidFee),
		Tax:           decimal.Zero,
		CostsKnown:    r.State == stateDone || r.State == stateCancelled,
		Raw:           raw,
	}
}

// account is one row of GET /accounts.
type account struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Locked   string `json:"locked"`
}

// Balances returns non-cash holdings as symbol -> quantity.
func (c *Client) Balances(ctx context.Context, _ models.Market) (map[string]decimal.Decimal, error) {
	auth, err := c.authToken("")
	if err != nil {
		return nil, err
	}

	var accounts []account
	req := c.client.R().
		SetHeader("Authorization", auth).
		SetResult(&accounts)

	_, err = c.doRequest(ctx, "GET", "/accounts", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	balances := make(map[string]decimal.Decimal, len(accounts))
	for _, a := range accounts {
		if a.Currency == quoteCurrency {
			continue // cash, not a position
		}
		qty := parseDecimal(a.Balance)
		if qty.IsPositive() {
			balances[a.Currency] = qty
		}
	}
	return balances, nil
}

// Ping verifies connectivity and credentials with an account lookup.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Balances(ctx, models.MarketCrypto)
	return err
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
