package dag

import (
	"errors"
	"reflect"
	"testing"
)

func mustParse(t *testing.T, raw string) Definition {
	t.Helper()
	d, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestParse_LinearChain(t *testing.T) {
	d := mustParse(t, `{
		"nodes": [
			{"id": "a", "type": "noop"},
			{"id": "b", "type": "transform", "config": {"script": "return input"}},
			{"id": "c", "type": "noop"}
		],
		"edges": [{"from": "a", "to": "b"}, {"from": "b", "to": "c"}]
	}`)
	order, err := Build(d).TopologicalOrder()
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestParse_EmptyGraphIsValid(t *testing.T) {
	d := mustParse(t, `{"nodes": [], "edges": []}`)
	if Build(d).Len() != 0 {
		t.Fatalf("expected empty graph")
	}
}

func TestParse_NormalizesIdentifiers(t *testing.T) {
	d := mustParse(t, `{
		"trigger": {"type": " Webhook ", "path": "/hooks/deploy/"},
		"nodes": [{"id": " a ", "type": " HTTP "}],
		"edges": []
	}`)
	if d.Nodes[0].ID != "a" || d.Nodes[0].Type != "http" {
		t.Fatalf("expected trimmed node, got %+v", d.Nodes[0])
	}
	if d.TriggerType() != TriggerWebhook || d.Trigger.Path != "hooks/deploy" {
		t.Fatalf("unexpected trigger %+v", d.Trigger)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		kind string
	}{
		{"not json", `{`, KindSchema},
		{"empty", ``, KindSchema},
		{"missing nodes", `{"edges": []}`, KindSchema},
		{"unknown field", `{"nodes": [{"id": "a", "type": "noop", "kind": "x"}]}`, KindSchema},
		{"duplicate", `{"nodes": [{"id": "a", "type": "noop"}, {"id": "a", "type": "noop"}]}`, KindDuplicateNode},
		{"dangling", `{"nodes": [{"id": "a", "type": "noop"}], "edges": [{"from": "a", "to": "zzz"}]}`, KindUnknownNode},
		{"self edge", `{"nodes": [{"id": "a", "type": "noop"}], "edges": [{"from": "a", "to": "a"}]}`, KindSelfEdge},
		{"reserved id", `{"nodes": [{"id": "secrets", "type": "noop"}]}`, KindSchema},
		{"webhook without path", `{"trigger": {"type": "webhook"}, "nodes": []}`, KindSchema},
		{"cron without expression", `{"trigger": {"type": "cron"}, "nodes": []}`, KindSchema},
		{"cycle", `{
			"nodes": [{"id": "a", "type": "noop"}, {"id": "b", "type": "noop"}, {"id": "c", "type": "noop"}],
			"edges": [{"from": "a", "to": "b"}, {"from": "b", "to": "c"}, {"from": "c", "to": "b"}]
		}`, KindCycle},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrMalformedDefinition) {
				t.Fatalf("expected ErrMalformedDefinition, got %v", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if ve.Kind != c.kind {
				t.Fatalf("expected kind %s, got %s (%v)", c.kind, ve.Kind, err)
			}
		})
	}
}

func TestParseYAML(t *testing.T) {
	d, err := ParseYAML([]byte(`
trigger:
  type: cron
  expression: "0 */5 * * * *"
nodes:
  - id: fetch
    type: http
    config:
      url: https://example.invalid/api
    secrets: [API_TOKEN]
    max_attempts: 5
  - id: shape
    type: transform
edges:
  - from: fetch
    to: shape
`))
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if d.TriggerType() != TriggerCron {
		t.Fatalf("expected cron trigger")
	}
	if d.Nodes[0].MaxAttempts != 5 || len(d.Nodes[0].Secrets) != 1 {
		t.Fatalf("unexpected node %+v", d.Nodes[0])
	}
}
