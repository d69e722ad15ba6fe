// Package kis implements the securities brokerage adapter for Korea
// Investment & Securities, covering domestic (KRX) and US equities. KIS uses
// a short-lived OAuth token plus a per-order hashkey; every endpoint is
// selected by a tr_id header that differs between real and virtual accounts.
package kis

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"auto-trade-bot-go/internal/backoff"
	"auto-trade-bot-go/internal/broker"
	"auto-trade-bot-go/internal/config"
	"auto-trade-bot-go/internal/models"
)

const (
	realBaseURL    = "https://openapi.koreainvestment.com:9443"
	virtualBaseURL = "https://openapivts.koreainvestment.com:29443"

	requestTimeout = 15 * time.Second
	maxRetries     = 3
	retryBaseDelay = time.Second
	tokenMargin    = time.Minute

	ordDvsnLimit  = "00"
	ordDvsnMarket = "01"

	usExchangeCode = "NASD"
)

// TokenCache persists the OAuth session token so restarts and concurrent
// market loops share one session instead of burning issuance quota.
type TokenCache interface {
	Token(ctx context.Context) (token string, expiresAt time.Time, err error)
	SaveToken(ctx context.Context, token string, expiresAt time.Time) error
}

// Client is a client for the KIS Open API.
type Client struct {
	client    *resty.Client
	appKey    string
	appSecret string
	cano      string // account number, first 8 digits
	acntPrdt  string // account product code, last 2 digits
	virtual   bool
	logger    *zap.Logger
	limiter   *rate.Limiter
	tokens    TokenCache

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// ensure Client implements the broker interface
var _ broker.Client = (*Client)(nil)

// NewClient creates a new KIS Open API client. tokens may be nil, in which
// case the session token lives only in memory.
func NewClient(cfg *config.KIS, tokens TokenCache, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if cfg.Virtual {
			baseURL = virtualBaseURL
		} else {
			baseURL = realBaseURL
		}
	}

	cano, acntPrdt := splitAccountNo(cfg.AccountNo)

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)

	return &Client{
		client:    client,
		appKey:    cfg.AppKey,
		appSecret: cfg.AppSecret,
		cano:      cano,
		acntPrdt:  acntPrdt,
		virtual:   cfg.Virtual,
		logger:    logger.Named("kis"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		tokens:    tokens,
	}
}

// splitAccountNo splits "12345678-01" into CANO and ACNT_PRDT_CD.
func splitAccountNo(accountNo string) (string, string) {
	parts := strings.SplitN(accountNo, "-", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	if len(accountNo) > 8 {
		return accountNo[:8], accountNo[8:]
	}
	return accountNo, "01"
}

// Name identifies the brokerage.
func (c *Client) Name() models.Broker { return models.BrokerKIS }

// Markets lists the market segments this client can trade.
func (c *Client) Markets() []models.Market {
	return []models.Market{models.MarketKRX, models.MarketUS}
}

// trID selects the transaction id for an order. Virtual accounts swap the
// leading T for a V.
func (c *Client) trID(market models.Market, side models.Side) string {
	var id string
	switch {
	case market == models.MarketKRX && side == models.SideBuy:
		id = "TTTC0802U"
	case market == models.MarketKRX && side == models.SideSell:
		id = "TTTC0801U"
	case market == models.MarketUS && side == models.SideBuy:
		id = "TTTT1002U"
	default:
		id = "TTTT1006U"
	}
	if c.virtual {
		id = "V" + id[1:]
	}
	return id
}

func (c *Client) inquiryTrID(kind string) string {
	var id string
	switch kind {
	case "domestic-ccld":
		id = "TTTC8001R"
	case "domestic-balance":
		id = "TTTC8434R"
	case "overseas-ccld":
		id = "TTTS3035R"
	default: // overseas-balance
		id = "TTTS3012R"
	}
	if c.virtual {
		id = "V" + id[1:]
	}
	return id
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ensureToken returns a valid session token, reusing the cached one while it
// still has a safety margin left and issuing a fresh one otherwise.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.cachedToken != "" && now.Add(tokenMargin).Before(c.tokenExpiry) {
		return c.cachedToken, nil
	}

	if c.tokens != nil {
		if token, expiry, err := c.tokens.Token(ctx); err == nil && token != "" && now.Add(tokenMargin).Before(expiry) {
			c.cachedToken, c.tokenExpiry = token, expiry
			return token, nil
		}
	}

	var result tokenResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.appKey,
			"appsecret":  c.appSecret,
		}).
		SetResult(&result).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", fmt.Errorf("failed to issue access token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("token issuance failed with status %s: %s", resp.Status(), resp.String())
	}

	c.cachedToken = result.AccessToken
	c.tokenExpiry = now.Add(time.Duration(result.ExpiresIn) * time.Second)
	c.logger.Info("Issued new KIS access token", zap.Time("expires_at", c.tokenExpiry))

	if c.tokens != nil {
		if err := c.tokens.SaveToken(ctx, c.cachedToken, c.tokenExpiry); err != nil {
			c.logger.Warn("Failed to persist access token", zap.Error(err))
		}
	}
	return c.cachedToken, nil
}

type hashkeyResponse struct {
	Hash string `json:"HASH"`
}

// hashkey signs an order body. KIS requires it on order endpoints.
func (c *Client) hashkey(ctx context.Context, body map[string]string) (string, error) {
	var result hashkeyResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("appkey", c.appKey).
		SetHeader("appsecret", c.appSecret).
		SetBody(body).
		SetResult(&result).
		Post("/uapi/hashkey")
	if err != nil {
		return "", fmt.Errorf("failed to get hashkey: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("hashkey request failed with status %s: %s", resp.Status(), resp.String())
	}
	return result.Hash, nil
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

// authHeaders builds the standard header set for an authenticated call.
func (c *Client) authHeaders(token, trID string) map[string]string {
	return map[string]string{
		"content-type":  "application/json; charset=utf-8",
		"authorization": "Bearer " + token,
		"appkey":        c.appKey,
		"appsecret":     c.appSecret,
		"tr_id":         trID,
		"custtype":      "P",
	}
}

// orderOutput is the order id section of a placement response.
type orderOutput struct {
	OrderNo string `json:"ODNO"`
	OrderTm string `json:"ORD_TMD"`
}

type orderResponse struct {
	ReturnCode string      `json:"rt_cd"`
	MessageCd  string      `json:"msg_cd"`
	Message    string      `json:"msg1"`
	Output     orderOutput `json:"output"`
}

// PlaceOrder submits an order. KRX orders go out as market orders; US orders
// as limit orders at the reference price, since the overseas endpoint does
// not accept plain market orders.
func (c *Client) PlaceOrder(ctx context.Context, o broker.Order) (*broker.OrderResult, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var path string
	body := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.acntPrdt,
		"PDNO":         o.Symbol,
		"ORD_QTY":      o.Quantity.Truncate(0).String(),
	}

	if o.Market == models.MarketKRX {
		path = "/uapi/domestic-stock/v1/trading/order-cash"
		if o.Type == broker.OrderTypeMarket {
			body["ORD_DVSN"] = ordDvsnMarket
			body["ORD_UNPR"] = "0"
		} else {
			body["ORD_DVSN"] = ordDvsnLimit
			body["ORD_UNPR"] = o.Price.Truncate(0).String()
		}
	} else {
		path = "/uapi/overseas-stock/v1/trading/order"
		body["OVRS_EXCG_CD"] = usExchangeCode
		body["ORD_SVR_DVSN_CD"] = "0"
		body["ORD_DVSN"] = ordDvsnLimit
		body["OVRS_ORD_UNPR"] = o.Price.StringFixed(2)
	}

	hash, err := c.hashkey(ctx, body)
	if err != nil {
		return nil, err
	}

	headers := c.authHeaders(token, c.trID(o.Market, o.Side))
	headers["hashkey"] = hash

	var result orderResponse
	req := c.client.R().
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result)

	resp, err := c.doRequest(ctx, "POST", path, req)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", o.Symbol),
			zap.String("side", string(o.Side)),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	if result.ReturnCode != "0" {
		return nil, fmt.Errorf("order rejected by broker (%s): %s", result.MessageCd, strings.TrimSpace(result.Message))
	}

	c.logger.Info("Order accepted",
		zap.String("order_no", result.Output.OrderNo),
		zap.String("symbol", o.Symbol),
	)

	// Fills are asynchronous at KIS; report the requested quantity at the
	// reference price and let the cost reconciler refine from trade history.
	return &broker.OrderResult{
		OrderID:       result.Output.OrderNo,
		ExecutedQty:   o.Quantity,
		ExecutedPrice: o.Price,
		CostsKnown:    false,
		Raw:           resp.Body(),
	}, nil
}

// ccldRow is one execution row of a trade-history inquiry.
type ccldRow struct {
	OrderNo     string `json:"odno"`
	TotalQty    string `json:"tot_ccld_qty"`
	TotalAmount string `json:"tot_ccld_amt"`
}

type ccldResponse struct {
	ReturnCode string    `json:"rt_cd"`
	Message    string    `json:"msg1"`
	Output1    []ccldRow `json:"output1"`
}

// OrderDetail looks an order up in the day's trade history and returns the
// filled quantity and average price. KIS does not itemize fees per order, so
// costs stay unknown here.
func (c *Client) OrderDetail(ctx context.Context, market models.Market, symbol, orderID string) (*broker.OrderResult, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var path, trID string
	today := time.Now().Format("20060102")
	params := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.acntPrdt,
	}

	if market == models.MarketKRX {
		path = "/uapi/domestic-stock/v1/trading/inquire-daily-ccld"
		trID = c.inquiryTrID("domestic-ccld")
		params["INQR_STRT_DT"] = today
		params["INQR_END_DT"] = today
		params["PDNO"] = symbol
		params["ODNO"] = orderID
		params["SLL_BUY_DVSN_CD"] = "00"
		params["INQR_DVSN"] = "00"
		params["CCLD_DVSN"] = "00"
		params["INQR_DVSN_1"] = ""
		params["INQR_DVSN_3"] = "00"
		params["EXCG_ID_DVSN_CD"] = "KRX"
		params["CTX_AREA_FK100"] = ""
		params["CTX_AREA_NK100"] = ""
	} else {
		path = "/uapi/overseas-stock/v1/trading/inquire-ccnl"
		trID = c.inquiryTrID("overseas-ccld")
		params["PDNO"] = symbol
		params["ORD_STRT_DT"] = today
		params["ORD_END_DT"] = today
		params["OVRS_EXCG_CD"] = usExchangeCode
		params["SLL_BUY_DVSN"] = "00"
		params["CCLD_NCCS_DVSN"] = "00"
		params["SORT_SQN"] = "DS"
		params["CTX_AREA_FK200"] = ""
		params["CTX_AREA_NK200"] = ""
	}

	var result ccldResponse
	req := c.client.R().
		SetHeaders(c.authHeaders(token, trID)).
		SetQueryParams(params).
		SetResult(&result)

	resp, err := c.doRequest(ctx, "GET", path, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order detail: %w", err)
	}
	if result.ReturnCode != "0" {
		return nil, fmt.Errorf("order detail rejected by broker: %s", strings.TrimSpace(result.Message))
	}

	out := &broker.OrderResult{OrderID: orderID, Raw: resp.Body()}
	for _, row := range result.Output1 {
		if row.OrderNo != orderID {
			continue
		}
		qty := parseDecimal(row.TotalQty)
		amt := parseDecimal(row.TotalAmount)
		out.ExecutedQty = qty
		if qty.IsPositive() {
			out.ExecutedPrice = amt.Div(qty)
		}
		break
	}
	return out, nil
}

// balanceRow covers both the domestic and overseas balance row shapes.
type balanceRow struct {
	Symbol         string `json:"pdno"`
	HoldingQty     string `json:"hldg_qty"`
	OverseasSymbol string `json:"ovrs_pdno"`
	OverseasQty    string `json:"ovrs_cblc_qty"`
}

type balanceResponse struct {
	ReturnCode string       `json:"rt_cd"`
	Message    string       `json:"msg1"`
	Output1    []balanceRow `json:"output1"`
}

// Balances returns non-cash holdings as symbol -> quantity for a market.
func (c *Client) Balances(ctx context.Context, market models.Market) (map[string]decimal.Decimal, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	var path, trID string
	params := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.acntPrdt,
	}

	if market == models.MarketKRX {
		path = "/uapi/domestic-stock/v1/trading/inquire-balance"
		trID = c.inquiryTrID("domestic-balance")
		params["AFHR_FLPR_YN"] = "N"
		params["OFL_YN"] = ""
		params["INQR_DVSN"] = "02"
		params["UNPR_DVSN"] = "01"
		params["FUND_STTL_ICLD_YN"] = "N"
		params["FNCG_AMT_AUTO_RDPT_YN"] = "N"
		params["PRCS_DVSN"] = "00"
		params["CTX_AREA_FK100"] = ""
		params["CTX_AREA_NK100"] = ""
	} else {
		path = "/uapi/overseas-stock/v1/trading/inquire-balance"
		trID = c.inquiryTrID("overseas-balance")
		params["OVRS_EXCG_CD"] = usExchangeCode
		params["TR_CRCY_CD"] = "USD"
		params["CTX_AREA_FK200"] = ""
		params["CTX_AREA_NK200"] = ""
	}

	var result balanceResponse
	req := c.client.R().
		SetHeaders(c.authHeaders(token, trID)).
		SetQueryParams(params).
		SetResult(&result)

	if _, err := c.doRequest(ctx, "GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	if result.ReturnCode != "0" {
		return nil, fmt.Errorf("balance inquiry rejected by broker: %s", strings.TrimSpace(result.Message))
	}

	balances := make(map[string]decimal.Decimal, len(result.Output1))
	for _, row := range result.Output1 {
		symbol, qtyStr := row.Symbol, row.HoldingQty
		if symbol == "" {
			symbol, qtyStr = row.OverseasSymbol, row.OverseasQty
		}
		qty := parseDecimal(qtyStr)
		if symbol != "" && qty.IsPositive() {
			balances[symbol] = qty
		}
	}
	return balances, nil
}

// Ping verifies connectivity and credentials by issuing a session token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ensureToken(ctx)
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
