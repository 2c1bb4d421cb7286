package decision

import (
	"context"
	"errors"

	"krakenbot/pkg/llm"
)

// DecideFunc produces a raw model reply for a prompt. It exists so tests and
// dry runs can swap the external model for a deterministic function.
type DecideFunc func(ctx context.Context, prompt string) (string, error)

// Adapter wraps the decision model: it short-circuits trigger-free inputs,
// composes the prompt, and normalises the reply. Model failures degrade to
// HOLD; the adapter never propagates an error into the trading loop.
type Adapter struct {
	client llm.CompletionClient
	decide DecideFunc
	logger llm.Logger
}

// AdapterOption customises the adapter.
type AdapterOption func(*Adapter)

// WithDecideFunc replaces the external model call.
func WithDecideFunc(fn DecideFunc) AdapterOption {
	return func(a *Adapter) { a.decide = fn }
}

// WithLogger injects a custom logger.
func WithLogger(logger llm.Logger) AdapterOption {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter constructs an adapter around the completion client. client may
// be nil when a DecideFunc is supplied.
func NewAdapter(client llm.CompletionClient, opts ...AdapterOption) *Adapter {
	a := &Adapter{client: client, logger: llm.NewLogger("info")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Decide returns the normalised action for the given input. With no trigger
// reasons the model is not consulted at all.
func (a *Adapter) Decide(ctx context.Context, in *Input) *Decision {
	if in == nil || len(in.Reasons) == 0 {
		return Hold("No triggers")
	}

	prompt, err := BuildPrompt(in)
	if err != nil {
		a.logger.Error(ctx, err, llm.Fields{"reasons": in.Reasons})
		return Hold("prompt build failed")
	}

	raw, err := a.complete(ctx, prompt)
	if err != nil {
		a.logger.Error(ctx, err, llm.Fields{"reasons": in.Reasons})
		return Hold("model unavailable")
	}

	d := Normalize(raw)
	a.logger.Info(ctx, "decision", llm.Fields{
		"action":  d.Action,
		"comment": d.Comment,
	})
	return d
}

func (a *Adapter) complete(ctx context.Context, prompt string) (string, error) {
	if a.decide != nil {
		return a.decide(ctx, prompt)
	}
	if a.client == nil {
		return "", errors.New("decision: no model client configured")
	}
	return a.client.Complete(ctx, prompt)
}
