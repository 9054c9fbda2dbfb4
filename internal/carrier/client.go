package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fulfillment-service/config"

	"github.com/shopspring/decimal"
)

// ErrCarrierUnavailable is returned when the carrier could not be reached or
// answered with a server error. Callers retry on the next sweep.
var ErrCarrierUnavailable = errors.New("carrier unavailable")

const (
	pathOrderDetail = "/v2/shipping-order/detail"
	pathCreateOrder = "/v2/shipping-order/create"

	maxResponseBytes = 1 << 20
)

// Client talks to the carrier's order API.
type Client struct {
	baseURL    string
	token      string
	shopID     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(cfg config.CarrierConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		shopID:     cfg.ShopID,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// LogEntry is one line of the carrier's tracking log.
type LogEntry struct {
	Status      string    `json:"status"`
	UpdatedDate time.Time `json:"updated_date"`
	Lat         *float64  `json:"lat,omitempty"`
	Lng         *float64  `json:"lng,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// OrderInfo is the carrier's view of one shipment.
type OrderInfo struct {
	OrderCode string     `json:"order_code"`
	Status    string     `json:"status"`
	Log       []LogEntry `json:"log"`
}

type CreateOrderItem struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

type CreateOrderRequest struct {
	ClientOrderCode string            `json:"client_order_code"`
	ToName          string            `json:"to_name"`
	ToPhone         string            `json:"to_phone"`
	ToAddress       string            `json:"to_address"`
	Weight          int               `json:"weight"`
	CodAmount       decimal.Decimal   `json:"cod_amount"`
	Items           []CreateOrderItem `json:"items"`
}

type CreateOrderResult struct {
	OrderCode string          `json:"order_code"`
	TotalFee  decimal.Decimal `json:"total_fee"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// GetOrderInfo fetches the current status and tracking log of a shipment.
func (c *Client) GetOrderInfo(ctx context.Context, orderCode string) (*OrderInfo, error) {
	var info OrderInfo
	if err := c.call(ctx, pathOrderDetail, map[string]string{"order_code": orderCode}, &info); err != nil {
		return nil, fmt.Errorf("get order info %s: %w", orderCode, err)
	}
	return &info, nil
}

// CreateOrder registers a shipment with the carrier.
func (c *Client) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error) {
	var result CreateOrderResult
	if err := c.call(ctx, pathCreateOrder, req, &result); err != nil {
		return nil, fmt.Errorf("create carrier order %s: %w", req.ClientOrderCode, err)
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", c.token)
	if c.shopID != "" {
		req.Header.Set("ShopId", c.shopID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCarrierUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrCarrierUnavailable, err)
	}
	if len(raw) > maxResponseBytes {
		return fmt.Errorf("carrier response exceeds %d bytes", maxResponseBytes)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrCarrierUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode carrier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != http.StatusOK {
		return fmt.Errorf("carrier rejected request: code=%d message=%q", env.Code, env.Message)
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode carrier data: %w", err)
	}
	return nil
}
