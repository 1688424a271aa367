package eventbus

import (
	"encoding/json"
	"time"

	"github.com/loopforge/coreloop/pkg/coreloop"
)

// Encode flattens ev into the wire shape the spec's event stream names: a
// single JSON object carrying "kind", "timestamp", and the kind-specific
// payload fields inlined at the top level rather than nested under a
// "payload" key, matching the fat-union-free design coreloop.Event's doc
// comment promises.
func Encode(ev coreloop.Event) ([]byte, error) {
	meta, err := json.Marshal(struct {
		Kind      coreloop.EventKind `json:"kind"`
		Timestamp time.Time          `json:"timestamp"`
	}{ev.Kind, ev.Timestamp})
	if err != nil {
		return nil, err
	}
	if ev.Payload == nil {
		return meta, nil
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(meta, &fields); err != nil {
		return nil, err
	}
	var payloadFields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &payloadFields); err != nil {
		// Payload didn't marshal to an object (shouldn't happen for any
		// coreloop payload type); fall back to nesting it rather than
		// dropping it.
		fields["payload"] = payload
		return json.Marshal(fields)
	}
	for k, v := range payloadFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}
