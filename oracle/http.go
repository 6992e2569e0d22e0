package oracle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tbxark/stepagent/types"
)

// HTTPGenerator calls a remote oracle boundary over JSON/HTTP.
type HTTPGenerator struct {
	URL     string
	Client  *http.Client
	Headers map[string]string
}

var _ Generator = (*HTTPGenerator)(nil)

func NewHTTPGenerator(url string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req *types.OracleRequest) (*types.Reply, error) {
	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrValidation, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range g.Headers {
		httpReq.Header.Set(k, v)
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}

	var eb errorBody
	_ = sonic.Unmarshal(data, &eb)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, describe(resp.StatusCode, eb.Error))
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, fmt.Errorf("%w: %w: %s", ErrUnavailable, ErrPaymentRequired, describe(resp.StatusCode, eb.Error))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, describe(resp.StatusCode, eb.Error))
	}
	if eb.Error != "" && strings.Contains(strings.ToLower(eb.Error), "rate limit") {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, eb.Error)
	}

	reply, err := Coerce(string(data))
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func describe(status int, msg string) string {
	if msg == "" {
		return fmt.Sprintf("status %d", status)
	}
	return fmt.Sprintf("status %d: %s", status, msg)
}
