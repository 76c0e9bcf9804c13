package dag

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is the stored shape of a workflow graph.
//
// Schema shape:
//
//	{
//	  "version": "workflow/v1",
//	  "trigger": {"type": "cron", "expression": "0 */5 * * * *"},
//	  "nodes": [{"id": "fetch", "type": "http", "config": {...}, "secrets": ["API_KEY"]}],
//	  "edges": [{"from": "fetch", "to": "shape"}]
//	}
//
// Node ids are stable, caller-chosen strings. Edges reference nodes by id;
// there is no other linkage between nodes.
type Definition struct {
	Version string    `json:"version,omitempty"`
	Trigger *Trigger  `json:"trigger,omitempty"`
	Nodes   []NodeDef `json:"nodes"`
	Edges   []EdgeDef `json:"edges,omitempty"`
}

type Trigger struct {
	Type       string `json:"type"`
	Path       string `json:"path,omitempty"`
	Expression string `json:"expression,omitempty"`
}

const (
	TriggerManual  = "manual"
	TriggerWebhook = "webhook"
	TriggerCron    = "cron"
)

type NodeDef struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Config      json.RawMessage `json:"config,omitempty"`
	Secrets     []string        `json:"secrets,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	TimeoutSec  int             `json:"timeout_sec,omitempty"`
}

type EdgeDef struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Reserved input keys. Node ids may not collide with them because
// predecessor outputs share the same input object.
const (
	InputSecretsKey = "secrets"
	InputTriggerKey = "trigger"
)

// Parse decodes a JSON definition, checks it against the definition schema
// and validates the graph.
func Parse(raw []byte) (Definition, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return Definition{}, invalid(KindSchema, "", "definition is required")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Definition{}, invalid(KindSchema, "", "definition must be valid json")
	}
	if err := validateSchema(doc); err != nil {
		return Definition{}, err
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return Definition{}, invalid(KindSchema, "", err.Error())
	}
	if err := d.NormalizeAndValidate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// ParseYAML accepts the same document written as YAML.
func ParseYAML(raw []byte) (Definition, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Definition{}, invalid(KindSchema, "", "definition must be valid yaml: "+err.Error())
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return Definition{}, invalid(KindSchema, "", "definition must use string keys")
	}
	return Parse(b)
}

// NormalizeAndValidate trims identifiers and rejects duplicate ids, dangling
// or self edges and cycles. It leaves the definition usable by Build.
func (d *Definition) NormalizeAndValidate() error {
	if d.Trigger != nil {
		d.Trigger.Type = strings.ToLower(strings.TrimSpace(d.Trigger.Type))
		d.Trigger.Path = strings.Trim(strings.TrimSpace(d.Trigger.Path), "/")
		d.Trigger.Expression = strings.TrimSpace(d.Trigger.Expression)
		switch d.Trigger.Type {
		case TriggerManual:
		case TriggerWebhook:
			if d.Trigger.Path == "" {
				return invalid(KindSchema, "", "webhook trigger requires path")
			}
		case TriggerCron:
			if d.Trigger.Expression == "" {
				return invalid(KindSchema, "", "cron trigger requires expression")
			}
		default:
			return invalid(KindSchema, "", fmt.Sprintf("unsupported trigger type %q", d.Trigger.Type))
		}
	}

	seen := make(map[string]struct{}, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		n.ID = strings.TrimSpace(n.ID)
		n.Type = strings.ToLower(strings.TrimSpace(n.Type))
		if n.ID == "" {
			return invalid(KindSchema, "", "node id is required")
		}
		if n.ID == InputSecretsKey || n.ID == InputTriggerKey {
			return invalid(KindSchema, n.ID, "node id is reserved")
		}
		if n.Type == "" {
			return invalid(KindSchema, n.ID, "node type is required")
		}
		if _, dup := seen[n.ID]; dup {
			return invalid(KindDuplicateNode, n.ID, "duplicate node id")
		}
		seen[n.ID] = struct{}{}
		if n.MaxAttempts < 0 || n.TimeoutSec < 0 {
			return invalid(KindSchema, n.ID, "max_attempts and timeout_sec must be >= 0")
		}
		for j, k := range n.Secrets {
			n.Secrets[j] = strings.TrimSpace(k)
			if n.Secrets[j] == "" {
				return invalid(KindSchema, n.ID, "secret key must not be empty")
			}
		}
		if len(n.Config) > 0 && !json.Valid(n.Config) {
			return invalid(KindSchema, n.ID, "config must be valid json")
		}
	}

	for i := range d.Edges {
		e := &d.Edges[i]
		e.From = strings.TrimSpace(e.From)
		e.To = strings.TrimSpace(e.To)
		if _, ok := seen[e.From]; !ok {
			return invalid(KindUnknownNode, e.From, "edge source references unknown node")
		}
		if _, ok := seen[e.To]; !ok {
			return invalid(KindUnknownNode, e.To, "edge target references unknown node")
		}
		if e.From == e.To {
			return invalid(KindSelfEdge, e.From, "self edges are not allowed")
		}
	}

	g := Build(*d)
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TriggerType reports the declared trigger, defaulting to manual.
func (d Definition) TriggerType() string {
	if d.Trigger == nil || d.Trigger.Type == "" {
		return TriggerManual
	}
	return d.Trigger.Type
}

// Kinds of definition errors.
const (
	KindSchema        = "schema"
	KindDuplicateNode = "duplicate_node"
	KindUnknownNode   = "unknown_node"
	KindSelfEdge      = "self_edge"
	KindCycle         = "cycle"
)

// ErrMalformedDefinition is matched by every definition-level error.
var ErrMalformedDefinition = errors.New("malformed workflow definition")

type ValidationError struct {
	Kind   string
	NodeID string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s (node %q)", e.Msg, e.NodeID)
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error { return ErrMalformedDefinition }

func invalid(kind, nodeID, msg string) error {
	return &ValidationError{Kind: kind, NodeID: nodeID, Msg: msg}
}
