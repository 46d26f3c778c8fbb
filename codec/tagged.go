package codec

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/fabric"
)

// Tagged is a polymorphic value that names its own concrete type.
type Tagged interface {
	TypeTag() string
}

// taggedDoc is the self-describing text form: {"type": "...", "data": {...}}.
type taggedDoc struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Types maps type tags to factories for polymorphic decoding.
// It is safe for concurrent use.
type Types struct {
	mu        sync.RWMutex
	factories map[string]func() Tagged
}

// NewTypes creates an empty type registry.
func NewTypes() *Types {
	return &Types{factories: make(map[string]func() Tagged)}
}

// Register binds tag to a factory returning a fresh pointer of the
// concrete type. Registering a tag twice replaces the factory.
func (t *Types) Register(tag string, factory func() Tagged) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[tag] = factory
}

// Tags returns the registered tags in sorted order.
func (t *Types) Tags() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tags := make([]string, 0, len(t.factories))
	for tag := range t.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Marshal serializes v with its type tag as JSON text.
func (t *Types) Marshal(v Tagged) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal %s: %w", v.TypeTag(), err)
	}
	return json.Marshal(taggedDoc{Type: v.TypeTag(), Data: data})
}

// Unmarshal decodes a tagged document into a fresh value of the
// registered concrete type.
func (t *Types) Unmarshal(data []byte) (Tagged, error) {
	var doc taggedDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("codec: unmarshal tagged document: %w", err)
	}

	t.mu.RLock()
	factory, ok := t.factories[doc.Type]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", fabric.ErrUnknownType, doc.Type)
	}

	v := factory()
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, v); err != nil {
			return nil, fmt.Errorf("codec: unmarshal %s: %w", doc.Type, err)
		}
	}
	return v, nil
}
