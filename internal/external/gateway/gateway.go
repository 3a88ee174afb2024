// Package gateway calls the payment gateway's refund endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goorm-sudo/raillo/settlement/internal/config"
	model "github.com/goorm-sudo/raillo/settlement/internal/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Client struct {
	http *http.Client
	url  string
}

func NewClient(cfg config.Gateway) *Client {
	return &Client{
		http: &http.Client{Timeout: cfg.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		url:  strings.TrimRight(cfg.URL, "/") + "/refunds",
	}
}

// Refund asks the gateway to pay back a transaction. A nil error means the gateway
// answered: the result tells approval from refusal. Transport errors, 5xx, 408 and 429
// answers and unreadable bodies wrap model.ErrGatewayAmbiguous because the money may
// have moved or the request may still be served.
func (c *Client) Refund(ctx context.Context, req model.GatewayRefundRequest) (*model.GatewayRefundResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.OrderID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrGatewayAmbiguous, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", model.ErrGatewayAmbiguous, err)
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: gateway HTTP error: %s", model.ErrGatewayAmbiguous, resp.Status)
	}

	result := &model.GatewayRefundResult{}
	if err = json.Unmarshal(raw, result); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			// refused with a body we cannot read; still a refusal
			return &model.GatewayRefundResult{Message: resp.Status}, nil
		}
		return nil, fmt.Errorf("%w: malformed response: %v", model.ErrGatewayAmbiguous, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		result.Success = false
		if result.Message == "" {
			result.Message = resp.Status
		}
	}
	return result, nil
}
