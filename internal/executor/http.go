package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
)

const maxResponseBytes = 1 << 20

type httpConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// HTTPNode calls an HTTP endpoint. Network errors, 429 and 5xx responses are
// retryable; other 4xx responses fail permanently. "{{secrets.KEY}}" in the
// URL or header values is replaced with the resolved secret.
type HTTPNode struct {
	client *http.Client
}

func NewHTTPNode(client *http.Client) *HTTPNode {
	return &HTTPNode{client: client}
}

func (n *HTTPNode) Execute(ctx context.Context, input, config json.RawMessage) (json.RawMessage, error) {
	var cfg httpConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, Permanent(errors.New("http node requires config.url"))
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.Method))
	if method == "" {
		method = http.MethodGet
	}

	secrets := secretValues(input)
	expand := func(s string) string {
		for k, v := range secrets {
			s = strings.ReplaceAll(s, "{{secrets."+k+"}}", v)
		}
		return s
	}

	var body io.Reader
	if len(cfg.Body) > 0 {
		body = bytes.NewReader(cfg.Body)
	} else if method != http.MethodGet && method != http.MethodHead {
		payload, err := withoutSecrets(input)
		if err != nil {
			return nil, Permanent(err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, expand(cfg.URL), body)
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, expand(v))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d from %s", resp.StatusCode, req.URL.Host)
	case resp.StatusCode >= 400:
		return nil, Permanent(fmt.Errorf("http %d from %s", resp.StatusCode, req.URL.Host))
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	var respBody any = string(raw)
	if json.Valid(raw) {
		respBody = json.RawMessage(raw)
	}
	return json.Marshal(map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
		"body":    respBody,
	})
}

func withoutSecrets(input json.RawMessage) ([]byte, error) {
	obj, err := inputObject(input)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return []byte("{}"), nil
	}
	delete(obj, dag.InputSecretsKey)
	return json.Marshal(obj)
}
