package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"omnex-core/pkg/exchanges/common"
)

// Config holds OKX connection settings. OKX additionally requires the API
// passphrase chosen when the key was created.
type Config struct {
	BaseURL     string
	Credentials common.Credentials
}

// Client is an OKX-style adapter over signed REST.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	if c.cfg.Credentials.APIKey == "" || c.cfg.Credentials.Passphrase == "" {
		return errors.New("okx: API key and passphrase required")
	}
	_, err := c.do(ctx, http.MethodGet, "/api/v5/account/config", nil)
	return err
}

func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v5/account/balance?ccy="+asset, nil)
	if err != nil {
		return common.Balance{}, err
	}

	var resp struct {
		Data []struct {
			Details []struct {
				Ccy       string `json:"ccy"`
				AvailBal  string `json:"availBal"`
				FrozenBal string `json:"frozenBal"`
			} `json:"details"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance response: %w", err)
	}
	for _, d := range resp.Data {
		for _, det := range d.Details {
			if strings.EqualFold(det.Ccy, asset) {
				avail := parseFloat(det.AvailBal)
				frozen := parseFloat(det.FrozenBal)
				return common.Balance{
					Available: avail,
					Locked:    frozen,
					Total:     avail + frozen,
				}, nil
			}
		}
	}
	return common.Balance{}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	ordType := "limit"
	if req.Type == common.OrderTypeMarket {
		ordType = "market"
	}
	payload := map[string]string{
		"instId":  req.Symbol,
		"tdMode":  "cash",
		"side":    strings.ToLower(string(req.Side)),
		"ordType": ordType,
		"sz":      formatFloat(req.Amount),
	}
	if ordType == "limit" {
		payload["px"] = formatFloat(req.Price)
	}
	if req.ClientID != "" {
		payload["clOrdId"] = req.ClientID
	}

	body, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", payload)
	if err != nil {
		return common.Order{}, err
	}

	var resp struct {
		Data []struct {
			OrdID string `json:"ordId"`
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order response: %w", err)
	}
	if len(resp.Data) == 0 {
		return common.Order{}, errors.New("okx: empty order response")
	}
	if resp.Data[0].SCode != "0" && resp.Data[0].SCode != "" {
		return common.Order{}, fmt.Errorf("okx: order rejected: %s", resp.Data[0].SMsg)
	}
	// OKX acks asynchronously; fills arrive via the status endpoint.
	return common.Order{
		ExternalOrderID: resp.Data[0].OrdID,
		Status:          common.StatusNew,
	}, nil
}

func (c *Client) GetOrderStatus(ctx context.Context, symbol, externalOrderID string) (common.Order, error) {
	path := "/api/v5/trade/order?instId=" + symbol + "&ordId=" + externalOrderID
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return common.Order{}, err
	}

	var resp struct {
		Data []struct {
			OrdID     string `json:"ordId"`
			State     string `json:"state"`
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
			Fee       string `json:"fee"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order status: %w", err)
	}
	if len(resp.Data) == 0 {
		return common.Order{}, errors.New("okx: order not found")
	}
	d := resp.Data[0]
	fee := parseFloat(d.Fee)
	if fee < 0 {
		// OKX reports fees as negative deltas.
		fee = -fee
	}
	return common.Order{
		ExternalOrderID: d.OrdID,
		Status:          mapState(d.State),
		FilledAmount:    parseFloat(d.AccFillSz),
		AveragePrice:    parseFloat(d.AvgPx),
		Fees:            fee,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, externalOrderID string) error {
	payload := map[string]string{
		"instId": symbol,
		"ordId":  externalOrderID,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", payload)
	return err
}

// do signs and performs an OKX request. OKX signs
// base64(hmac-sha256(timestamp + method + path + body)).
func (c *Client) do(ctx context.Context, method, path string, payload map[string]string) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	mac := hmac.New(sha256.New, []byte(c.cfg.Credentials.APISecret))
	mac.Write([]byte(ts + method + path + string(bodyBytes)))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("OK-ACCESS-KEY", c.cfg.Credentials.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sig)
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Credentials.Passphrase)
	if len(bodyBytes) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.NewAdapterError("okx", method+" "+path, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, common.NewAdapterError("okx", method+" "+path, 0, err)
	}
	if resp.StatusCode >= 400 {
		return nil, common.NewAdapterError("okx", method+" "+path, resp.StatusCode,
			fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	return body, nil
}

func mapState(s string) common.OrderStatus {
	switch s {
	case "live":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "canceled", "mmp_canceled":
		return common.StatusCanceled
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
