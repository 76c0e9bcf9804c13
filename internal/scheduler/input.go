package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/dag"
)

// Redacted stands in for secret values in persisted inputs.
const Redacted = "[redacted]"

// BuildInput assembles a node's input object.
//
// Root nodes receive their static config fields plus the execution's
// trigger payload under "trigger". Other nodes receive each predecessor's
// output keyed by predecessor id. Declared secrets appear under "secrets"
// with placeholder values; InjectSecrets swaps in the real ones right before
// dispatch.
func BuildInput(g *dag.Graph, nodeID string, outputs map[string]json.RawMessage, trigger json.RawMessage) (json.RawMessage, error) {
	node, ok := g.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("unknown node %q", nodeID)
	}
	in := map[string]json.RawMessage{}

	preds := g.Predecessors(nodeID)
	if len(preds) == 0 {
		if len(node.Config) > 0 {
			var cfg map[string]json.RawMessage
			if err := json.Unmarshal(node.Config, &cfg); err != nil {
				return nil, fmt.Errorf("node %q config must be an object: %w", nodeID, err)
			}
			for k, v := range cfg {
				in[k] = v
			}
		}
		if len(trigger) > 0 && string(trigger) != "null" {
			in[dag.InputTriggerKey] = trigger
		}
	} else {
		for _, p := range preds {
			out := outputs[p]
			if len(out) == 0 {
				out = json.RawMessage("null")
			}
			in[p] = out
		}
	}

	if len(node.Secrets) > 0 {
		placeholders := make(map[string]string, len(node.Secrets))
		for _, k := range node.Secrets {
			placeholders[k] = Redacted
		}
		b, _ := json.Marshal(placeholders)
		in[dag.InputSecretsKey] = b
	}
	return json.Marshal(in)
}

// InjectSecrets returns input with the "secrets" entry replaced by values.
// The result must never be persisted.
func InjectSecrets(input json.RawMessage, values map[string]string) (json.RawMessage, error) {
	if len(values) == 0 {
		return input, nil
	}
	obj := map[string]json.RawMessage{}
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &obj); err != nil {
			return nil, fmt.Errorf("input must be an object: %w", err)
		}
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	obj[dag.InputSecretsKey] = b
	return json.Marshal(obj)
}

// ScrubOutput removes resolved secret values from a node's output before it
// is recorded. A top-level "secrets" entry is dropped and every string or
// object key containing a value has it replaced by Redacted. Output that is
// not valid JSON is scrubbed as plain text.
func ScrubOutput(output json.RawMessage, values map[string]string) json.RawMessage {
	secretsList := secretValues(values)
	if len(secretsList) == 0 || len(output) == 0 {
		return output
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(output))
	dec.UseNumber()
	if !json.Valid(output) || dec.Decode(&v) != nil {
		return json.RawMessage(scrubText(string(output), secretsList))
	}
	if obj, ok := v.(map[string]any); ok {
		delete(obj, dag.InputSecretsKey)
	}
	b, err := json.Marshal(scrubValue(v, secretsList))
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// ScrubText replaces every resolved secret value in s with Redacted.
func ScrubText(s string, values map[string]string) string {
	return scrubText(s, secretValues(values))
}

// secretValues returns the non-empty values, longest first, so a value that
// contains another is replaced whole.
func secretValues(values map[string]string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func scrubText(s string, values []string) string {
	for _, v := range values {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}

func scrubValue(v any, values []string) any {
	switch val := v.(type) {
	case string:
		return scrubText(val, values)
	case []any:
		for i, item := range val {
			val[i] = scrubValue(item, values)
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[scrubText(k, values)] = scrubValue(item, values)
		}
		return out
	default:
		return v
	}
}
