package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/harun/courier/internal/config"
	"github.com/harun/courier/pkg/gateway"
)

var (
	serverURL string
	authToken string
)

// rpcClient calls the gateway's HTTP JSON-RPC endpoint.
type rpcClient struct {
	baseURL string
	http    *resty.Client
}

type rpcEnvelope struct {
	ID     string            `json:"id"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *gateway.RPCError `json:"error,omitempty"`
}

// HealthStatus is the body served by /healthz.
type HealthStatus struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	Online  int    `json:"online"`
	Joined  int    `json:"joined"`
}

func newClient(cfg *config.Config) *rpcClient {
	base := serverURL
	if base == "" {
		base = defaultServerURL(cfg.Gateway)
	}

	http := resty.New().
		SetBaseURL(base).
		SetTimeout(10*time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.Gateway.SharedSecret != "" {
		http.SetHeader("X-Courier-Secret", cfg.Gateway.SharedSecret)
	}
	if authToken != "" {
		http.SetAuthToken(authToken)
	}

	return &rpcClient{baseURL: base, http: http}
}

func defaultServerURL(gw config.GatewayConfig) string {
	host := gw.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(gw.Port))
}

// Call invokes method with params and decodes the result into out.
func (c *rpcClient) Call(method string, params interface{}, idempotencyKey string, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}

	var envelope rpcEnvelope
	resp, err := c.http.R().
		SetBody(gateway.RPCRequest{
			ID:             uuid.NewString(),
			Method:         method,
			Params:         raw,
			JSONRPC:        "2.0",
			IdempotencyKey: idempotencyKey,
		}).
		SetResult(&envelope).
		SetError(&envelope).
		Post("/rpc")
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.baseURL, err)
	}

	if envelope.Error != nil {
		return envelope.Error
	}
	if resp.IsError() {
		return fmt.Errorf("gateway returned %s", resp.Status())
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Health fetches /healthz.
func (c *rpcClient) Health() (*HealthStatus, error) {
	var health HealthStatus
	resp, err := c.http.R().SetResult(&health).Get("/healthz")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gateway returned %s", resp.Status())
	}
	return &health, nil
}
