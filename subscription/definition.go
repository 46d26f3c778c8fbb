package subscription

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/codec"
	"github.com/xraph/fabric/scheduler"
)

// Type tags of the definition kinds.
const (
	KindCyclical   = "cyclical"
	KindConsumer   = "consumer"
	KindDelivery   = "delivery"
	KindMultiInput = "multi_input"
)

// DefaultBuffer is the per-sender buffer of a multi-input subscription
// when none is configured.
const DefaultBuffer = 16

// Spec holds the fields shared by every definition kind.
type Spec struct {
	// Name identifies the subscription across the cluster. Consumer-like
	// subscriptions consume the queue of the same name.
	Name string `json:"name" msgpack:"name"`

	// Handler names the handler bundle in the node's Registry.
	Handler string `json:"handler" msgpack:"handler"`

	// Params are passed to the handler with every event.
	Params map[string]string `json:"params,omitempty" msgpack:"params,omitempty"`

	// Timeout bounds one event. Zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty" msgpack:"timeout,omitempty"`

	// Workers is the number of concurrent consumers. At most one means
	// the queue is consumed exclusively.
	Workers int `json:"workers,omitempty" msgpack:"workers,omitempty"`

	// Target pins the subscription to a node under the fixed strategy.
	Target string `json:"target,omitempty" msgpack:"target,omitempty"`
}

// State is the runtime state carried with a definition so a subscription
// moved to another node resumes its counters.
type State struct {
	Status        Status    `json:"status,omitempty" msgpack:"status,omitempty"`
	Starts        Counter   `json:"starts" msgpack:"starts"`
	Stops         Counter   `json:"stops" msgpack:"stops"`
	Successes     Counter   `json:"successes" msgpack:"successes"`
	Errors        Counter   `json:"errors" msgpack:"errors"`
	InputVolume   Counter   `json:"input_volume" msgpack:"input_volume"`
	OutputVolume  Counter   `json:"output_volume" msgpack:"output_volume"`
	LastExecution time.Time `json:"last_execution,omitzero" msgpack:"last_execution"`
}

// Definition describes a subscription independently of any node.
type Definition interface {
	codec.Tagged

	// Meta returns the shared fields.
	Meta() *Spec

	// Runtime returns the carried runtime state.
	Runtime() *State

	// Validate checks the definition is complete.
	Validate() error

	clone(st State) Definition
	mode(env *Env) (Mode, error)
}

// ──────────────────────────────────────────────────
// Cyclical
// ──────────────────────────────────────────────────

// CyclicalDefinition runs its handler on a schedule: every Delay after the
// previous cycle completes, or at each instant matching Cron.
type CyclicalDefinition struct {
	Spec
	State State `json:"state"`

	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Cron         string        `json:"cron,omitempty"`
}

func (d *CyclicalDefinition) TypeTag() string { return KindCyclical }
func (d *CyclicalDefinition) Meta() *Spec     { return &d.Spec }
func (d *CyclicalDefinition) Runtime() *State { return &d.State }

func (d *CyclicalDefinition) Validate() error {
	if err := d.Spec.validate(); err != nil {
		return err
	}
	return validateSchedule(d.Name, d.Delay, d.InitialDelay, d.Cron, true)
}

func (d *CyclicalDefinition) trigger() (scheduler.Trigger, error) {
	return buildTrigger(d.Delay, d.InitialDelay, d.Cron)
}

func (d *CyclicalDefinition) clone(st State) Definition {
	c := *d
	c.Params = maps.Clone(d.Params)
	c.State = st
	return &c
}

// ──────────────────────────────────────────────────
// Consumer
// ──────────────────────────────────────────────────

// ConsumerDefinition runs its handler for every message on the queue named
// after the subscription.
type ConsumerDefinition struct {
	Spec
	State State `json:"state"`
}

func (d *ConsumerDefinition) TypeTag() string { return KindConsumer }
func (d *ConsumerDefinition) Meta() *Spec     { return &d.Spec }
func (d *ConsumerDefinition) Runtime() *State { return &d.State }
func (d *ConsumerDefinition) Validate() error { return d.Spec.validate() }

func (d *ConsumerDefinition) clone(st State) Definition {
	c := *d
	c.Params = maps.Clone(d.Params)
	c.State = st
	return &c
}

// ──────────────────────────────────────────────────
// Delivery
// ──────────────────────────────────────────────────

// DeliveryDefinition forwards the handler output to Receivers, optionally
// through a named transform. Without a schedule it consumes its queue like
// a ConsumerDefinition; with Delay or Cron set it runs on that schedule.
type DeliveryDefinition struct {
	Spec
	State State `json:"state"`

	Receivers []string `json:"receivers"`
	Transform string   `json:"transform,omitempty"`

	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Cron         string        `json:"cron,omitempty"`
}

func (d *DeliveryDefinition) TypeTag() string { return KindDelivery }
func (d *DeliveryDefinition) Meta() *Spec     { return &d.Spec }
func (d *DeliveryDefinition) Runtime() *State { return &d.State }

func (d *DeliveryDefinition) Validate() error {
	if err := d.Spec.validate(); err != nil {
		return err
	}
	if len(d.Receivers) == 0 {
		return fmt.Errorf("%w: delivery %s has no receivers", fabric.ErrInvalidDefinition, d.Name)
	}
	if slices.Contains(d.Receivers, "") {
		return fmt.Errorf("%w: delivery %s has an empty receiver", fabric.ErrInvalidDefinition, d.Name)
	}
	return validateSchedule(d.Name, d.Delay, d.InitialDelay, d.Cron, false)
}

// Scheduled reports whether the delivery runs on a schedule rather than on
// incoming messages.
func (d *DeliveryDefinition) Scheduled() bool { return d.Delay > 0 || d.Cron != "" }

func (d *DeliveryDefinition) clone(st State) Definition {
	c := *d
	c.Params = maps.Clone(d.Params)
	c.Receivers = slices.Clone(d.Receivers)
	c.State = st
	return &c
}

// ──────────────────────────────────────────────────
// Multi-input
// ──────────────────────────────────────────────────

// MultiInputDefinition fires once every sender in Senders has delivered an
// item. Items wait in a per-sender buffer of Buffer entries.
type MultiInputDefinition struct {
	Spec
	State State `json:"state"`

	Senders []string `json:"senders"`
	Buffer  int      `json:"buffer,omitempty"`
}

func (d *MultiInputDefinition) TypeTag() string { return KindMultiInput }
func (d *MultiInputDefinition) Meta() *Spec     { return &d.Spec }
func (d *MultiInputDefinition) Runtime() *State { return &d.State }

func (d *MultiInputDefinition) Validate() error {
	if err := d.Spec.validate(); err != nil {
		return err
	}
	if len(d.Senders) == 0 {
		return fmt.Errorf("%w: multi-input %s has no senders", fabric.ErrInvalidDefinition, d.Name)
	}
	seen := make(map[string]struct{}, len(d.Senders))
	for _, s := range d.Senders {
		if _, dup := seen[s]; dup || s == "" {
			return fmt.Errorf("%w: multi-input %s has an empty or duplicate sender %q", fabric.ErrInvalidDefinition, d.Name, s)
		}
		seen[s] = struct{}{}
	}
	if d.Buffer < 0 {
		return fmt.Errorf("%w: multi-input %s has a negative buffer", fabric.ErrInvalidDefinition, d.Name)
	}
	return nil
}

func (d *MultiInputDefinition) bufferSize() int {
	if d.Buffer == 0 {
		return DefaultBuffer
	}
	return d.Buffer
}

func (d *MultiInputDefinition) clone(st State) Definition {
	c := *d
	c.Params = maps.Clone(d.Params)
	c.Senders = slices.Clone(d.Senders)
	c.State = st
	return &c
}

// ──────────────────────────────────────────────────
// Validation helpers
// ──────────────────────────────────────────────────

func (s *Spec) validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: missing name", fabric.ErrInvalidDefinition)
	case strings.ContainsAny(s.Name, " \t\r\n"):
		return fmt.Errorf("%w: name %q contains whitespace", fabric.ErrInvalidDefinition, s.Name)
	case s.Handler == "":
		return fmt.Errorf("%w: %s has no handler", fabric.ErrInvalidDefinition, s.Name)
	case s.Timeout < 0:
		return fmt.Errorf("%w: %s has a negative timeout", fabric.ErrInvalidDefinition, s.Name)
	case s.Workers < 0:
		return fmt.Errorf("%w: %s has a negative worker count", fabric.ErrInvalidDefinition, s.Name)
	}
	return nil
}

func validateSchedule(name string, delay, initial time.Duration, cron string, required bool) error {
	switch {
	case delay < 0 || initial < 0:
		return fmt.Errorf("%w: %s has a negative delay", fabric.ErrInvalidDefinition, name)
	case delay > 0 && cron != "":
		return fmt.Errorf("%w: %s sets both delay and cron", fabric.ErrInvalidDefinition, name)
	case delay == 0 && cron == "":
		if required {
			return fmt.Errorf("%w: %s needs a delay or a cron expression", fabric.ErrInvalidDefinition, name)
		}
		return nil
	}
	if cron != "" {
		if _, err := scheduler.ParseCron(cron); err != nil {
			return fmt.Errorf("%w: %s: %w", fabric.ErrInvalidDefinition, name, err)
		}
	}
	return nil
}

func buildTrigger(delay, initial time.Duration, cron string) (scheduler.Trigger, error) {
	if cron != "" {
		return scheduler.ParseCron(cron)
	}
	return scheduler.Periodic{InitialDelay: initial, Delay: delay}, nil
}

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

var types = newTypes()

func newTypes() *codec.Types {
	t := codec.NewTypes()
	t.Register(KindCyclical, func() codec.Tagged { return new(CyclicalDefinition) })
	t.Register(KindConsumer, func() codec.Tagged { return new(ConsumerDefinition) })
	t.Register(KindDelivery, func() codec.Tagged { return new(DeliveryDefinition) })
	t.Register(KindMultiInput, func() codec.Tagged { return new(MultiInputDefinition) })
	return t
}

// Kinds returns the known definition type tags.
func Kinds() []string { return types.Tags() }

// Encode serializes d as tagged text.
func Encode(d Definition) ([]byte, error) {
	return types.Marshal(d)
}

// Decode parses tagged text produced by Encode and validates the result.
func Decode(data []byte) (Definition, error) {
	v, err := types.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	d, ok := v.(Definition)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a subscription definition", fabric.ErrInvalidDefinition, v.TypeTag())
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeAll serializes a batch of definitions.
func EncodeAll(defs []Definition) ([][]byte, error) {
	out := make([][]byte, 0, len(defs))
	for _, d := range defs {
		data, err := Encode(d)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// DecodeAll parses a batch of definitions, failing on the first bad one.
func DecodeAll(docs [][]byte) ([]Definition, error) {
	out := make([]Definition, 0, len(docs))
	for _, doc := range docs {
		d, err := Decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Fingerprint hashes the definition content without its runtime state.
// Definitions with equal content have equal fingerprints.
func Fingerprint(d Definition) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("subscription: fingerprint %s: %w", d.Meta().Name, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("subscription: fingerprint %s: %w", d.Meta().Name, err)
	}
	delete(fields, "state")

	// encoding/json writes map keys in sorted order.
	canonical, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("subscription: fingerprint %s: %w", d.Meta().Name, err)
	}
	h := sha256.New()
	h.Write([]byte(d.TypeTag()))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Names returns the names of defs in order.
func Names(defs []Definition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Meta().Name
	}
	return names
}
