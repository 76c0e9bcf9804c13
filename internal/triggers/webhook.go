package triggers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/PetoAdam/homenavi/workflow-engine/internal/store"
)

var ErrNoWebhook = errors.New("no workflow listens on this webhook path")

type Webhooks struct {
	source    WorkflowSource
	submitter Submitter
}

func NewWebhooks(source WorkflowSource, submitter Submitter) *Webhooks {
	return &Webhooks{source: source, submitter: submitter}
}

// Fire starts the workflow registered for path. A JSON body becomes the
// execution input as is; anything else is passed as {"raw": body}.
func (w *Webhooks) Fire(ctx context.Context, path string, body []byte) (*store.WorkflowExecution, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, ErrNoWebhook
	}
	wf, err := w.source.FindWorkflowByWebhookPath(ctx, path)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoWebhook
	}
	if err != nil {
		return nil, err
	}
	var input json.RawMessage
	switch {
	case len(strings.TrimSpace(string(body))) == 0:
	case json.Valid(body):
		input = body
	default:
		input, _ = json.Marshal(map[string]string{"raw": string(body)})
	}
	return w.submitter.Submit(ctx, wf.ID, input)
}
