package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"perp-agents-go/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow     = "5000" // How long a request is valid in milliseconds

	OrderTypeMarket           = "MARKET"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
	OrderSideBuy              = "BUY"
	OrderSideSell             = "SELL"

	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
	PositionSideBoth  = "BOTH"
)

// Client defines the interface for the futures exchange REST API.
type Client interface {
	GetServerTime(ctx context.Context) (int64, error)
	GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetPositionMode(ctx context.Context) (hedgeMode bool, err error)
	PlaceMarketOrder(ctx context.Context, symbol, side, positionSide string, quantity float64, reduceOnly bool) (*OrderResponse, error)
	PlaceStopMarket(ctx context.Context, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error)
	PlaceTakeProfitMarket(ctx context.Context, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error)
	GetPosition(ctx context.Context, symbol string) (*PositionRisk, error)
	GetPositions(ctx context.Context) ([]PositionRisk, error)
	GetAccountBalance(ctx context.Context) (*AccountBalance, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// RestClient is a client for the futures REST API.
// It implements the Client interface.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey string
	logger    *zap.Logger
	limiter   *rate.Limiter
}

// ensure RestClient implements the interface
var _ Client = (*RestClient)(nil)

// NewRestClient creates a new futures REST API client.
func NewRestClient(cfg *config.Exchange, logger *zap.Logger) *RestClient {
	var url string
	if cfg.Testnet {
		url = testnetBaseURL
		logger.Warn("Using futures testnet")
	} else {
		url = baseURL
		logger.Info("Using futures production API")
	}

	client := resty.New().SetBaseURL(url).SetTimeout(10 * time.Second)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:    client,
		apiKey:    cfg.ApiKey,
		secretKey: cfg.SecretKey,
		logger:    logger,
		limiter:   limiter,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedParams appends timestamp, recvWindow and the signature to params.
func (c *RestClient) signedParams(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	queryString := params.Encode()
	return queryString + "&signature=" + c.sign(queryString)
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil && err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests || statusCode == 418 { // HTTP 429 or 418
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Linearly increasing backoff: 1s, 2s, 3s
			retryAfter = time.Duration(i+1) * time.Second
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

// GetServerTime fetches the current server time from the exchange.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.client.R().SetResult(&serverTimeResponse{})

	resp, err := c.doRequest(ctx, "GET", "/fapi/v1/time", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	return resp.Result().(*serverTimeResponse).ServerTime, nil
}

// GetExchangeInfo fetches exchange trading rules and symbol filters.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	var exchangeInfo ExchangeInfoResponse

	req := c.client.R().
		SetResult(&exchangeInfo).
		SetHeader("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, "GET", "/fapi/v1/exchangeInfo", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	return resp.Result().(*ExchangeInfoResponse), nil
}

// SetLeverage sets the initial leverage for a symbol.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedParams(params))

	if _, err := c.doRequest(ctx, "POST", "/fapi/v1/leverage", req); err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}
	return nil
}

// GetPositionMode reports whether the account runs in hedge mode
// (simultaneous long+short) or one-way mode.
func (c *RestClient) GetPositionMode(ctx context.Context) (bool, error) {
	params := url.Values{}

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&positionModeResponse{})

	resp, err := c.doRequest(ctx, "GET", "/fapi/v1/positionSide/dual?"+c.signedParams(params), req)
	if err != nil {
		return false, fmt.Errorf("failed to get position mode: %w", err)
	}

	return resp.Result().(*positionModeResponse).DualSidePosition, nil
}

// placeOrder is the shared body of the three order-placement endpoints.
func (c *RestClient) placeOrder(ctx context.Context, params url.Values) (*OrderResponse, error) {
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedParams(params)).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, "POST", "/fapi/v1/order", req)
	if err != nil {
		c.logger.Error("Failed to place order after multiple attempts",
			zap.Error(err),
			zap.String("symbol", params.Get("symbol")),
			zap.String("type", params.Get("type")),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	result := resp.Result().(*OrderResponse)
	c.logger.Info("Successfully placed order", zap.Any("order", result))
	return result, nil
}

// PlaceMarketOrder places a market order in the given direction.
func (c *RestClient) PlaceMarketOrder(ctx context.Context, symbol, side, positionSide string, quantity float64, reduceOnly bool) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("positionSide", positionSide)
	params.Set("type", OrderTypeMarket)
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	// reduceOnly is rejected by the exchange in hedge mode, where the
	// positionSide already disambiguates the close direction.
	if reduceOnly && positionSide == PositionSideBoth {
		params.Set("reduceOnly", "true")
	}
	return c.placeOrder(ctx, params)
}

// PlaceStopMarket places a close-position stop-loss trigger order.
func (c *RestClient) PlaceStopMarket(ctx context.Context, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error) {
	return c.placeTrigger(ctx, OrderTypeStopMarket, symbol, side, positionSide, stopPrice, quantity)
}

// PlaceTakeProfitMarket places a close-position take-profit trigger order.
func (c *RestClient) PlaceTakeProfitMarket(ctx context.Context, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error) {
	return c.placeTrigger(ctx, OrderTypeTakeProfitMarket, symbol, side, positionSide, stopPrice, quantity)
}

func (c *RestClient) placeTrigger(ctx context.Context, orderType, symbol, side, positionSide string, stopPrice, quantity float64) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("positionSide", positionSide)
	params.Set("type", orderType)
	params.Set("stopPrice", strconv.FormatFloat(stopPrice, 'f', -1, 64))
	params.Set("quantity", strconv.FormatFloat(quantity, 'f', -1, 64))
	params.Set("workingType", "MARK_PRICE")
	return c.placeOrder(ctx, params)
}

// GetPosition returns the held position for a symbol, or nil when the
// exchange reports no (or zero-quantity) position.
func (c *RestClient) GetPosition(ctx context.Context, symbol string) (*PositionRisk, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var positions []PositionRisk
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&positions)

	resp, err := c.doRequest(ctx, "GET", "/fapi/v2/positionRisk?"+c.signedParams(params), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get position for %s: %w", symbol, err)
	}

	for _, p := range *resp.Result().(*[]PositionRisk) {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			held := p
			return &held, nil
		}
	}
	return nil, nil
}

// GetPositions returns all non-zero positions for the account.
func (c *RestClient) GetPositions(ctx context.Context) ([]PositionRisk, error) {
	params := url.Values{}

	var positions []PositionRisk
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&positions)

	resp, err := c.doRequest(ctx, "GET", "/fapi/v2/positionRisk?"+c.signedParams(params), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	held := make([]PositionRisk, 0)
	for _, p := range *resp.Result().(*[]PositionRisk) {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			held = append(held, p)
		}
	}
	return held, nil
}

// GetAccountBalance returns the USDT wallet balance for the account.
func (c *RestClient) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	params := url.Values{}

	var balances []AccountBalance
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetResult(&balances)

	resp, err := c.doRequest(ctx, "GET", "/fapi/v2/balance?"+c.signedParams(params), req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}

	for _, b := range *resp.Result().(*[]AccountBalance) {
		if b.Asset == "USDT" {
			usdt := b
			return &usdt, nil
		}
	}
	return nil, fmt.Errorf("no USDT balance in account response")
}

// GetMarkPrice returns the current mark price for a symbol.
func (c *RestClient) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	req := c.client.R().
		SetResult(&markPriceResponse{}).
		SetQueryParam("symbol", symbol)

	resp, err := c.doRequest(ctx, "GET", "/fapi/v1/premiumIndex", req)
	if err != nil {
		return 0, fmt.Errorf("failed to get mark price for %s: %w", symbol, err)
	}

	price, err := strconv.ParseFloat(resp.Result().(*markPriceResponse).MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse mark price %q: %w", resp.Result().(*markPriceResponse).MarkPrice, err)
	}
	return price, nil
}
