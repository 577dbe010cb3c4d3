package broker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPAdapter is a REST-backed Adapter for a broker that exposes
// cancel/modify endpoints over plain JSON, in the request-shape idiom of
// oanda.Client.PlaceMarketOrder — build the request, set the bearer
// header, read the body, check the status code.
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAdapter builds an HTTP broker adapter with a bounded per-call
// timeout; the circuit breaker in Client still governs trips around it,
// and this adapter makes a single attempt per call. insecureSkipVerify must only be set against a local sandbox
// broker — never in production.
func NewHTTPAdapter(baseURL, apiKey string, timeout time.Duration, insecureSkipVerify bool) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if insecureSkipVerify {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &HTTPAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

type cancelRequest struct {
	AccountID     string `json:"account_id"`
	BrokerOrderID string `json:"broker_order_id"`
}

type modifyRequest struct {
	AccountID     string `json:"account_id"`
	BrokerOrderID string `json:"broker_order_id"`
	NewQuantity   int64  `json:"new_quantity"`
}

type orderActionResponse struct {
	BrokerOrderID string `json:"broker_order_id"`
	Accepted      bool   `json:"accepted"`
	Message       string `json:"message"`
}

func (a *HTTPAdapter) CancelOrder(ctx context.Context, accountID, brokerOrderID string) (Result, error) {
	body, _ := json.Marshal(cancelRequest{AccountID: accountID, BrokerOrderID: brokerOrderID})
	return a.do(ctx, "POST", "/v1/orders/cancel", body)
}

func (a *HTTPAdapter) ModifyOrder(ctx context.Context, accountID, brokerOrderID string, newQuantity int64) (Result, error) {
	body, _ := json.Marshal(modifyRequest{AccountID: accountID, BrokerOrderID: brokerOrderID, NewQuantity: newQuantity})
	return a.do(ctx, "POST", "/v1/orders/modify", body)
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, strings.NewReader(string(body)))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("broker error: %s - %s", resp.Status, string(respBody))
	}

	var out orderActionResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, err
	}
	return Result{BrokerOrderID: out.BrokerOrderID, Accepted: out.Accepted, Message: out.Message}, nil
}
