// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package api

import (
	"encoding/json"
	"sync/atomic"

	"github.com/samber/oops"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// eventIDCounter assigns process-wide monotonically increasing event ids.
var eventIDCounter atomic.Int64

// EventContext is the mutable envelope carrying one event through a sequence
// of plugins. Each plugin in the chain receives the context, may mutate the
// event payload, contribute return values, and set the two short-circuit
// flags. The flags are one-way switches: once set they stay set for the rest
// of that emission.
//
// PreventDefault asks the owning application to skip its built-in handling
// and is never read by the runtime. PreventPostorder stops the emission loop
// from calling further plugins.
type EventContext struct {
	ID               int64            `json:"eid"`
	EventName        string           `json:"event_name"`
	Event            json.RawMessage  `json:"event"`
	PreventDefault   bool             `json:"is_prevent_default"`
	PreventPostorder bool             `json:"is_prevent_postorder"`
	ReturnValue      map[string][]any `json:"return_value"`
}

// NewEventContext builds a context for one event occurrence, assigning the
// next process-wide event id. The event payload is opaque JSON.
func NewEventContext(eventName string, event json.RawMessage) *EventContext {
	if event == nil {
		event = json.RawMessage(`{}`)
	}
	return &EventContext{
		ID:          eventIDCounter.Add(1),
		EventName:   eventName,
		Event:       event,
		ReturnValue: map[string][]any{},
	}
}

// AddReturn appends a value under key. Appending rather than overwriting
// lets multiple plugins contribute to the same logical field before the
// pipeline reconciles them.
func (c *EventContext) AddReturn(key string, value any) {
	if c.ReturnValue == nil {
		c.ReturnValue = map[string][]any{}
	}
	c.ReturnValue[key] = append(c.ReturnValue[key], value)
}

// Returns reports all values contributed under key, in call order.
func (c *EventContext) Returns(key string) []any {
	return c.ReturnValue[key]
}

// FirstReturn reports the first value contributed under key.
func (c *EventContext) FirstReturn(key string) (any, bool) {
	vals := c.ReturnValue[key]
	if len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// ApplyReturns writes the first accumulated value for each return key back
// onto the same-named field of the event payload. Keys without a matching
// payload field are left for the application to read from ReturnValue.
func (c *EventContext) ApplyReturns() error {
	if len(c.ReturnValue) == 0 {
		return nil
	}
	payload := []byte(c.Event)
	for key := range c.ReturnValue {
		if !gjson.GetBytes(payload, key).Exists() {
			continue
		}
		first, ok := c.FirstReturn(key)
		if !ok {
			continue
		}
		updated, err := sjson.SetBytes(payload, key, first)
		if err != nil {
			return oops.Code("EVENT_RECONCILE_FAILED").
				With("event", c.EventName).
				With("key", key).
				Wrap(err)
		}
		payload = updated
	}
	c.Event = json.RawMessage(payload)
	return nil
}

// EventField reads one field of the opaque event payload. Exists is false
// when the payload has no such field.
func (c *EventContext) EventField(key string) (value any, exists bool) {
	res := gjson.GetBytes([]byte(c.Event), key)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// AsMap serializes the context to the generic map form used in emit_event
// payloads.
func (c *EventContext) AsMap() (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, oops.Code("EVENT_ENCODE_FAILED").With("event", c.EventName).Wrap(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, oops.Code("EVENT_ENCODE_FAILED").With("event", c.EventName).Wrap(err)
	}
	return m, nil
}

// EventContextFromMap parses the generic map form of a context. The event id
// is preserved, not reassigned: deserializing an in-flight context must not
// consume new ids.
func EventContextFromMap(m map[string]any) (*EventContext, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, oops.Code("EVENT_DECODE_FAILED").Wrap(err)
	}
	var c EventContext
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, oops.Code("EVENT_DECODE_FAILED").Wrap(err)
	}
	if c.ReturnValue == nil {
		c.ReturnValue = map[string][]any{}
	}
	return &c, nil
}
