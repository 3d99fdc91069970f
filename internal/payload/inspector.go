// Package payload validates request bodies before they reach business logic.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/telhawk-systems/telhawk-guard/internal/config"
	"github.com/telhawk-systems/telhawk-guard/internal/signatures"
	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

// Result is the full outcome of an inspection.
type Result struct {
	Verdict    model.SecurityVerdict
	Serialized string
	Matches    []*signatures.Signature
}

// Inspector checks payload size, malicious content and structure, in that order.
type Inspector struct {
	cfg  config.PayloadConfig
	sigs *signatures.Set
}

// New creates an Inspector.
func New(cfg config.PayloadConfig, sigs *signatures.Set) *Inspector {
	return &Inspector{cfg: cfg, sigs: sigs}
}

// Validate returns the verdict for payload. The request context is accepted
// for parity with the other analyzers and does not affect the outcome.
func (i *Inspector) Validate(payload any, _ model.RequestContext) model.SecurityVerdict {
	return i.Inspect(payload).Verdict
}

// Inspect runs every check and also returns the serialized form and
// matched signatures so callers can record typed indicators.
func (i *Inspector) Inspect(payload any) Result {
	if exceedsSize(payload, i.cfg.MaxBytes) {
		return Result{Verdict: model.Block(model.ReasonPayloadTooLarge)}
	}
	raw, err := serialize(payload)
	if err != nil {
		return Result{Verdict: model.Block(model.ReasonPayloadStructure, "unserializable payload")}
	}
	res := Result{Serialized: string(raw)}

	if len(raw) > i.cfg.MaxBytes {
		res.Verdict = model.Block(model.ReasonPayloadTooLarge)
		return res
	}

	res.Matches = i.sigs.Match(res.Serialized)
	if len(res.Matches) > 0 {
		threats := make([]string, len(res.Matches))
		for n, m := range res.Matches {
			threats[n] = m.Source()
		}
		res.Verdict = model.Block(model.ReasonMaliciousPayload, threats...)
		return res
	}

	if shape, ok := measure(raw, i.cfg.MaxDepth, i.cfg.MaxProperties); !ok {
		res.Verdict = model.Block(model.ReasonPayloadStructure,
			fmt.Sprintf("depth=%d properties=%d", shape.depth, shape.properties))
		return res
	}

	res.Verdict = model.Allow(model.ActionMonitor)
	return res
}

// serialize produces the JSON text of payload without HTML escaping so
// signatures see the characters the client sent. Raw JSON is used as-is and
// other byte input is treated as a string.
func serialize(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if json.Valid(p) {
			return p, nil
		}
		payload = string(p)
	case []byte:
		if json.Valid(p) {
			return p, nil
		}
		payload = string(p)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
