package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
)

// Options tune the built-in node types.
type Options struct {
	HTTPClient *http.Client
	// MaxDelay caps the delay node.
	MaxDelay time.Duration
}

// Builtins returns a registry with every built-in node type. Trigger-like
// types pass their input through. There is no built-in "ai" node; such
// nodes fail permanently unless one is registered.
func Builtins(opts Options) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Minute
	}
	r := NewRegistry()
	for _, t := range []string{"noop", "manual", "webhook", "cron"} {
		r.Register(t, passThrough)
	}
	r.Register("http", NewHTTPNode(opts.HTTPClient).Execute)
	r.Register("transform", Transform)
	r.Register("delay", delayNode(opts.MaxDelay))
	return r
}

// passThrough returns its input without the secrets entry.
func passThrough(_ context.Context, input, _ json.RawMessage) (json.RawMessage, error) {
	obj, err := inputObject(input)
	if err != nil || obj == nil {
		return input, nil
	}
	delete(obj, dag.InputSecretsKey)
	return json.Marshal(obj)
}

func delayNode(max time.Duration) Func {
	return func(ctx context.Context, input, config json.RawMessage) (json.RawMessage, error) {
		var cfg struct {
			Milliseconds int64 `json:"ms"`
			Seconds      int64 `json:"seconds"`
		}
		if err := decodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		d := time.Duration(cfg.Milliseconds)*time.Millisecond + time.Duration(cfg.Seconds)*time.Second
		if d < 0 || d > max {
			return nil, Permanent(fmt.Errorf("delay %s outside [0, %s]", d, max))
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return passThrough(ctx, input, config)
	}
}

func inputObject(input json.RawMessage) (map[string]json.RawMessage, error) {
	if len(input) == 0 || string(input) == "null" {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func decodeConfig(config json.RawMessage, v any) error {
	if len(config) == 0 || string(config) == "null" {
		return nil
	}
	if err := json.Unmarshal(config, v); err != nil {
		return Permanent(fmt.Errorf("invalid node config: %w", err))
	}
	return nil
}

// secretValues extracts the resolved secrets from a node input.
func secretValues(input json.RawMessage) map[string]string {
	obj, err := inputObject(input)
	if err != nil || obj == nil {
		return nil
	}
	raw, ok := obj[dag.InputSecretsKey]
	if !ok {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal(raw, &out)
	return out
}
