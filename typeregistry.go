package loom

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// TypeCodec describes how a registered user component type is encoded
// into frames and rendered as text. Entries are immutable after
// registration.
type TypeCodec struct {
	// Name labels the type. The library stores it but does not read it.
	Name string

	// Encode writes the owned representation of the captured payload
	// into dst and returns the number of bytes written. dst is sized
	// by MaxEncoded; writes beyond it are truncated by the encoder.
	Encode func(src []byte, dst []byte) int

	// MaxEncoded bounds the encoded size. Zero means the captured
	// payload length is used as the bound.
	MaxEncoded int

	// Decode renders an encoded payload as printable text.
	Decode func(payload []byte) string

	// Classify returns attribute tags for a payload. May be nil. The
	// filter language does not call it; filters see components only
	// as rendered text.
	Classify func(payload []byte) []string
}

// invalidTypeID is reserved and can never be registered.
const invalidTypeID uint16 = 0

// Type ids below firstUserTypeID are reserved for components the
// library itself synthesizes at encode time.
const (
	taskTypeID    uint16 = 1
	scopeTypeID   uint16 = 2
	firstUserTypeID      = 8
)

var typeRegistry struct {
	mu    sync.Mutex
	table atomic.Pointer[map[uint16]*TypeCodec]
}

// RegisterType binds a codec to a type id. Registrations are
// append-only; binding an id twice or binding the reserved ids fails.
func RegisterType(id uint16, codec TypeCodec) error {
	if id < firstUserTypeID {
		return errors.Errorf("type id %d is reserved", id)
	}
	return registerType(id, codec)
}

func registerType(id uint16, codec TypeCodec) error {
	if codec.Decode == nil {
		return errors.New("type codec requires a Decode function")
	}
	typeRegistry.mu.Lock()
	defer typeRegistry.mu.Unlock()
	old := typeRegistry.table.Load()
	if old != nil {
		if _, dup := (*old)[id]; dup {
			return errors.Errorf("type id %d already registered", id)
		}
	}
	next := make(map[uint16]*TypeCodec, 1)
	if old != nil {
		for k, v := range *old {
			next[k] = v
		}
	}
	c := codec
	next[id] = &c
	typeRegistry.table.Store(&next)
	return nil
}

// lookupType resolves a codec without locking; the table is replaced
// copy-on-write so readers see a consistent snapshot.
func lookupType(id uint16) *TypeCodec {
	table := typeRegistry.table.Load()
	if table == nil {
		return nil
	}
	return (*table)[id]
}

func init() {
	// Reserved codecs for components synthesized during encode.
	_ = registerType(taskTypeID, TypeCodec{
		Name:   "task_id",
		Decode: func(p []byte) string { return string(p) },
	})
	_ = registerType(scopeTypeID, TypeCodec{
		Name:   "scope",
		Decode: func(p []byte) string { return string(p) },
	})
}
