package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"omnex-core/pkg/exchanges/common"
)

// Config holds Binance connection settings.
type Config struct {
	BaseURL     string
	Credentials common.Credentials
	RecvWindow  int64 // ms
}

// Client is a Binance-style spot adapter over signed REST.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Initialize verifies credentials with a signed account call.
func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.Credentials.APIKey == "" || c.cfg.Credentials.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	_, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	return err
}

func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Balance{}, fmt.Errorf("decode account response: %w", err)
	}
	for _, b := range resp.Balances {
		if strings.EqualFold(b.Asset, asset) {
			free := parseFloat(b.Free)
			locked := parseFloat(b.Locked)
			return common.Balance{
				Available: free,
				Locked:    locked,
				Total:     free + locked,
			}, nil
		}
	}
	return common.Balance{}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeLimit
	}
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Amount))
	if ordType == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.Order{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order response: %w", err)
	}
	return resp.normalize(), nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, externalOrderID string) (common.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", externalOrderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.Order{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order status: %w", err)
	}
	return resp.normalize(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, externalOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", externalOrderID)

	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.Credentials.APISecret))

	endpoint := c.cfg.BaseURL + path
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet || method == http.MethodDelete {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.Credentials.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewAdapterError("binance", method+" "+path, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewAdapterError("binance", method+" "+path, 0, err)
	}
	if resp.StatusCode >= 400 {
		return nil, common.NewAdapterError("binance", method+" "+path, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	return body, nil
}

func sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	Fills         []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

func (r orderResponse) normalize() common.Order {
	filled := parseFloat(r.ExecutedQty)
	var fees, notional float64
	for _, f := range r.Fills {
		fees += parseFloat(f.Commission)
		notional += parseFloat(f.Price) * parseFloat(f.Qty)
	}
	avg := 0.0
	if filled > 0 {
		if notional > 0 {
			avg = notional / filled
		} else if q := parseFloat(r.CumQuote); q > 0 {
			avg = q / filled
		}
	}
	return common.Order{
		ExternalOrderID: strconv.FormatInt(r.OrderID, 10),
		Status:          mapStatus(r.Status),
		FilledAmount:    filled,
		AveragePrice:    avg,
		Fees:            fees,
	}
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL", "EXPIRED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
