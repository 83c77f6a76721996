// ABOUTME: Dialogue state values and their self-describing tagged encoding
// ABOUTME: Variants register with a Codec; the stored document is {"state": name, "data": {...}}

package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// StartName is the name reported for a chat with no stored state.
const StartName = "start"

var (
	// ErrNotFound is returned by Remove when the chat had no state.
	ErrNotFound = errors.New("dialogue state not found")

	// ErrCorruptState means a stored document could not be decoded into a known variant.
	ErrCorruptState = errors.New("dialogue state corrupt")
)

// State is one variant of a conversation's position. Implementations are plain value types.
type State interface {
	StateName() string
}

type envelope struct {
	State string          `json:"state"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type decoder func(data []byte) (State, error)

// Codec encodes registered State variants as tagged documents.
type Codec struct {
	variants map[string]decoder
}

// Variant describes how to decode one state type.
type Variant struct {
	name   string
	decode decoder
}

// VariantOf registers S, using the name reported by its zero value.
func VariantOf[S State]() Variant {
	var zero S
	return Variant{
		name: zero.StateName(),
		decode: func(data []byte) (State, error) {
			var s S
			if len(data) > 0 {
				if err := sonic.Unmarshal(data, &s); err != nil {
					return nil, err
				}
			}
			return s, nil
		},
	}
}

// NewCodec builds a codec for the given variants. Duplicate names panic.
func NewCodec(variants ...Variant) *Codec {
	c := &Codec{variants: make(map[string]decoder, len(variants))}
	for _, v := range variants {
		if _, dup := c.variants[v.name]; dup {
			panic(fmt.Sprintf("dialogue: duplicate state variant %q", v.name))
		}
		c.variants[v.name] = v.decode
	}
	return c
}

// Encode renders s as a tagged document.
func (c *Codec) Encode(s State) ([]byte, error) {
	name := s.StateName()
	if _, ok := c.variants[name]; !ok {
		return nil, fmt.Errorf("encode state %q: unregistered variant", name)
	}

	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state %q: %w", name, err)
	}
	if string(data) == "{}" {
		data = nil
	}

	return sonic.Marshal(envelope{State: name, Data: data})
}

// Decode parses a tagged document. Unknown tags and malformed payloads wrap ErrCorruptState.
func (c *Codec) Decode(raw []byte) (State, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	decode, ok := c.variants[env.State]
	if !ok {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrCorruptState, env.State)
	}

	s, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: variant %q: %v", ErrCorruptState, env.State, err)
	}
	return s, nil
}

// Name returns the variant name of s, or StartName when s is nil.
func Name(s State) string {
	if s == nil {
		return StartName
	}
	return s.StateName()
}
