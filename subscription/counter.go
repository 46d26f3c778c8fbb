package subscription

import (
	"fmt"
	"math/big"

	"github.com/vmihailenco/msgpack/v5"
)

// Counter is an arbitrary precision, non-negative event counter. The zero
// value is zero. Counters are immutable: Inc and Add return new values.
type Counter struct {
	n *big.Int
}

// NewCounter returns a counter holding n.
func NewCounter(n int64) Counter {
	return Counter{n: big.NewInt(n)}
}

func (c Counter) value() *big.Int {
	if c.n == nil {
		return new(big.Int)
	}
	return c.n
}

// Inc returns c + 1.
func (c Counter) Inc() Counter { return c.Add(1) }

// Add returns c + n.
func (c Counter) Add(n int64) Counter {
	return Counter{n: new(big.Int).Add(c.value(), big.NewInt(n))}
}

// Int64 returns the value truncated to int64.
func (c Counter) Int64() int64 { return c.value().Int64() }

// Cmp compares c and o and returns -1, 0 or +1.
func (c Counter) Cmp(o Counter) int { return c.value().Cmp(o.value()) }

// IsZero reports whether the counter is zero.
func (c Counter) IsZero() bool { return c.value().Sign() == 0 }

func (c Counter) String() string { return c.value().String() }

// MarshalText encodes the decimal value.
func (c Counter) MarshalText() ([]byte, error) {
	return []byte(c.value().String()), nil
}

// UnmarshalText decodes a decimal value.
func (c *Counter) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		c.n = nil
		return nil
	}
	n, ok := new(big.Int).SetString(string(text), 10)
	if !ok || n.Sign() < 0 {
		return fmt.Errorf("subscription: invalid counter %q", text)
	}
	c.n = n
	return nil
}

var (
	_ msgpack.CustomEncoder = Counter{}
	_ msgpack.CustomDecoder = (*Counter)(nil)
)

// EncodeMsgpack writes the counter as its decimal string.
func (c Counter) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(c.value().String())
}

// DecodeMsgpack reads a counter written by EncodeMsgpack.
func (c *Counter) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return err
	}
	return c.UnmarshalText([]byte(s))
}
