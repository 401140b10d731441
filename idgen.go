package sockbridge

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultCharset is the alphabet used by the default correlation id generator
	DefaultCharset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// DefaultIDLength is the length of ids produced by the default generator
	DefaultIDLength = 8
)

// IDGenerator produces correlation ids. Implementations must be safe for
// concurrent use: calls are issued from many goroutines.
type IDGenerator interface {
	Next() string
}

// IDGeneratorFunc adapts a plain function to IDGenerator
type IDGeneratorFunc func() string

// Next calls f
func (f IDGeneratorFunc) Next() string {
	return f()
}

type randomIDGenerator struct {
	length  int
	charset string
}

// NewRandomIDGenerator returns a generator of random strings of the given
// length drawn from charset. Zero values fall back to DefaultIDLength and
// DefaultCharset. Uniqueness is probabilistic.
func NewRandomIDGenerator(length int, charset string) IDGenerator {
	if length <= 0 {
		length = DefaultIDLength
	}
	if charset == "" {
		charset = DefaultCharset
	}
	return &randomIDGenerator{length: length, charset: charset}
}

func (g *randomIDGenerator) Next() string {
	out := make([]byte, g.length)
	for i := range out {
		out[i] = g.charset[rand.IntN(len(g.charset))]
	}
	return string(out)
}

type sequenceIDGenerator struct {
	prefix string
	n      atomic.Uint64
}

// NewSequenceIDGenerator returns a deterministic generator yielding
// prefix1, prefix2, ... Useful in tests.
func NewSequenceIDGenerator(prefix string) IDGenerator {
	return &sequenceIDGenerator{prefix: prefix}
}

func (g *sequenceIDGenerator) Next() string {
	return g.prefix + strconv.FormatUint(g.n.Add(1), 10)
}

// NewUUIDGenerator returns a generator of random (v4) UUID strings
func NewUUIDGenerator() IDGenerator {
	return IDGeneratorFunc(uuid.NewString)
}

// NewULIDGenerator returns a generator of lexicographically sortable ULIDs
func NewULIDGenerator() IDGenerator {
	return IDGeneratorFunc(func() string {
		return ulid.Make().String()
	})
}
