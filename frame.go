package loom

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"
)

// Frame flag bits.
const (
	// flagTruncated marks a frame whose encoding hit the per-sink
	// size cap; the worker appends an ellipsis marker on output.
	flagTruncated uint8 = 1 << 0
	// flagSaturated marks a record that hit MaxComponents.
	flagSaturated uint8 = 1 << 1
)

// DefaultMaxFrameSize bounds an encoded frame unless a sink configures
// its own cap.
const DefaultMaxFrameSize = 64 * 1024

// frameHeaderSize is the fixed prefix before the location strings:
// total_len(4) count(2) severity(1) flags(1) logger_id(8) timestamp(8).
const frameHeaderSize = 4 + 2 + 1 + 1 + 8 + 8

// TaskID, when set by the host, is called on the emit path to capture
// a task identity for the task_id decorator. It must be safe for
// concurrent use and must not allocate.
var TaskID func() uint64

// ScopeInfo, when set by the host, is called on the emit path to
// capture the scope depth and elapsed nanoseconds for the
// scope_indent and scope_elapsed decorators.
var ScopeInfo func() (depth int, elapsedNS int64)

// encodedComponent is one component staged for encoding, either taken
// from the record or synthesized from a capture-time hook.
type encodedComponent struct {
	c       Component
	userLen int
}

// encoder walks a record and produces a self-contained owned frame.
// It allocates exactly once per frame, from the frame pool; borrowed
// string and byte payloads are copied in full.
type encoder struct {
	maxFrame     int
	staged       [MaxComponents + 2]encodedComponent
	taskScratch  [24]byte
	scopeScratch [48]byte
}

func newEncoder(maxFrame int) *encoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &encoder{maxFrame: maxFrame}
}

// componentSize returns the encoded size of one staged component,
// including the tag byte.
func componentSize(ec encodedComponent) int {
	switch ec.c.kind {
	case kindInt64, kindFloat64, kindAddress, kindInstant:
		return 1 + 8
	case kindBool:
		return 1 + 1
	case kindString:
		return 1 + 4 + len(ec.c.str)
	case kindBytes:
		return 1 + 4 + len(ec.c.b)
	case kindUser:
		return 1 + 2 + 4 + ec.userLen
	}
	return 1
}

// stage collects the record components plus capture-time extras and
// resolves user-component encoded lengths.
func (e *encoder) stage(r *Record) int {
	n := 0
	for i := 0; i < r.n; i++ {
		c := r.comps[i]
		ec := encodedComponent{c: c}
		if c.kind == kindUser {
			ec.userLen = len(c.b)
			if codec := lookupType(c.tid); codec != nil && codec.Encode != nil && codec.MaxEncoded > 0 {
				ec.userLen = codec.MaxEncoded
			}
		}
		e.staged[n] = ec
		n++
	}
	if TaskID != nil {
		id := TaskID()
		s := strconv.AppendUint(e.taskScratch[:0], id, 10)
		e.staged[n] = encodedComponent{
			c:       UserComponent(taskTypeID, s),
			userLen: len(s),
		}
		n++
	}
	if ScopeInfo != nil {
		depth, elapsed := ScopeInfo()
		s := strconv.AppendInt(e.scopeScratch[:0], int64(depth), 10)
		s = append(s, ':')
		s = strconv.AppendInt(s, elapsed, 10)
		e.staged[n] = encodedComponent{
			c:       UserComponent(scopeTypeID, s),
			userLen: len(s),
		}
		n++
	}
	return n
}

// encode produces an owned frame for the record. The frame buffer
// comes from the global frame pool and must be returned with
// framePool.put once the worker has written it. Frames larger than
// the cap are truncated with flagTruncated set.
func (e *encoder) encode(r *Record) []byte {
	staged := e.stage(r)

	file, line, entity := r.Location()
	loc := file
	if line > 0 {
		loc = file + ":" + strconv.Itoa(line)
	}
	if len(loc) > 0xFFFF {
		loc = loc[:0xFFFF]
	}
	if len(entity) > 0xFFFF {
		entity = entity[:0xFFFF]
	}

	total := frameHeaderSize + 2 + len(loc) + 2 + len(entity)
	count := 0
	flags := uint8(0)
	if r.saturated {
		flags |= flagSaturated
	}
	for i := 0; i < staged; i++ {
		sz := componentSize(e.staged[i])
		if total+sz > e.maxFrame {
			flags |= flagTruncated
			break
		}
		total += sz
		count++
	}

	buf := framePool.get(total)
	b := buf[:0]
	b = binary.LittleEndian.AppendUint32(b, uint32(total))
	b = binary.LittleEndian.AppendUint16(b, uint16(count))
	b = append(b, uint8(r.severity), flags)
	var loggerID uint64
	if r.logger != nil {
		loggerID = r.logger.id
	}
	b = binary.LittleEndian.AppendUint64(b, loggerID)
	b = binary.LittleEndian.AppendUint64(b, uint64(r.when.UnixNano()))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(loc)))
	b = append(b, loc...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(entity)))
	b = append(b, entity...)

	for i := 0; i < count; i++ {
		b = appendComponent(b, e.staged[i])
	}
	// A user encode callback may write fewer bytes than its declared
	// bound; settle the header on the actual length.
	binary.LittleEndian.PutUint32(b[:4], uint32(len(b)))
	return b
}

// appendComponent emits one tag+payload per the frame layout.
func appendComponent(b []byte, ec encodedComponent) []byte {
	c := ec.c
	b = append(b, uint8(c.kind))
	switch c.kind {
	case kindInt64, kindFloat64, kindAddress, kindInstant:
		b = binary.LittleEndian.AppendUint64(b, c.num)
	case kindBool:
		b = append(b, byte(c.num&1))
	case kindString:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(c.str)))
		b = append(b, c.str...)
	case kindBytes:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(c.b)))
		b = append(b, c.b...)
	case kindUser:
		b = binary.LittleEndian.AppendUint16(b, c.tid)
		codec := lookupType(c.tid)
		if codec != nil && codec.Encode != nil {
			// The callback writes into a length-capped window; bytes
			// beyond the declared bound are dropped.
			start := len(b)
			b = binary.LittleEndian.AppendUint32(b, 0)
			// The pool buffer was sized for the full staged length, so
			// extending in place cannot reallocate.
			window := b[:start+4+ec.userLen]
			n := codec.Encode(c.b, window[start+4:start+4+ec.userLen])
			if n < 0 {
				n = 0
			}
			if n > ec.userLen {
				n = ec.userLen
			}
			binary.LittleEndian.PutUint32(window[start:], uint32(n))
			b = window[:start+4+n]
		} else {
			b = binary.LittleEndian.AppendUint32(b, uint32(len(c.b)))
			b = append(b, c.b...)
		}
	}
	return b
}

// FrameView is a zero-copy decoding of an owned frame. Component
// payloads reference the frame's bytes and stay valid while the frame
// is held by the worker.
type FrameView struct {
	data     []byte
	count    int
	severity Severity
	flags    uint8
	loggerID uint64
	tsNS     int64
	loc      string
	entity   string
	compOff  int
}

// decodeFrame parses the frame header and location strings, leaving
// components for lazy iteration. A malformed frame is a bug in the
// encoder; decode returns an error and the worker drops the frame.
func decodeFrame(data []byte) (FrameView, error) {
	var v FrameView
	if len(data) < frameHeaderSize+4 {
		return v, errors.Errorf("frame too short: %d bytes", len(data))
	}
	total := int(binary.LittleEndian.Uint32(data))
	if total != len(data) {
		return v, errors.Errorf("frame length mismatch: header %d, buffer %d", total, len(data))
	}
	v.data = data
	v.count = int(binary.LittleEndian.Uint16(data[4:]))
	v.severity = Severity(data[6])
	v.flags = data[7]
	v.loggerID = binary.LittleEndian.Uint64(data[8:])
	v.tsNS = int64(binary.LittleEndian.Uint64(data[16:]))
	off := frameHeaderSize
	locLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+locLen > len(data) {
		return v, errors.New("frame location overruns buffer")
	}
	v.loc = string(data[off : off+locLen])
	off += locLen
	if off+2 > len(data) {
		return v, errors.New("frame entity length overruns buffer")
	}
	entLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+entLen > len(data) {
		return v, errors.New("frame entity overruns buffer")
	}
	v.entity = string(data[off : off+entLen])
	v.compOff = off + entLen
	return v, nil
}

// Severity returns the frame's severity.
func (v *FrameView) Severity() Severity { return v.severity }

// Truncated reports whether the encoder hit the frame size cap.
func (v *FrameView) Truncated() bool { return v.flags&flagTruncated != 0 }

// TimestampNS returns the emission instant in nanoseconds since epoch.
func (v *FrameView) TimestampNS() int64 { return v.tsNS }

// LoggerID returns the owning logger's id.
func (v *FrameView) LoggerID() uint64 { return v.loggerID }

// Location returns the "file:line" string captured at emission.
func (v *FrameView) Location() string { return v.loc }

// Entity returns the enclosing symbol captured at emission.
func (v *FrameView) Entity() string { return v.entity }

// Len returns the component count.
func (v *FrameView) Len() int { return v.count }

// Components decodes the component sequence into dst, which must have
// capacity for Len() entries. Byte and string payloads borrow from
// the frame.
func (v *FrameView) Components(dst []Component) ([]Component, error) {
	off := v.compOff
	data := v.data
	for i := 0; i < v.count; i++ {
		if off >= len(data) {
			return dst, errors.Errorf("component %d overruns frame", i)
		}
		tag := componentKind(data[off])
		off++
		switch tag {
		case kindInt64, kindFloat64, kindAddress, kindInstant:
			if off+8 > len(data) {
				return dst, errors.Errorf("component %d overruns frame", i)
			}
			dst = append(dst, Component{kind: tag, num: binary.LittleEndian.Uint64(data[off:])})
			off += 8
		case kindBool:
			if off+1 > len(data) {
				return dst, errors.Errorf("component %d overruns frame", i)
			}
			dst = append(dst, Component{kind: kindBool, num: uint64(data[off] & 1)})
			off++
		case kindString, kindBytes:
			if off+4 > len(data) {
				return dst, errors.Errorf("component %d overruns frame", i)
			}
			n := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if off+n > len(data) {
				return dst, errors.Errorf("component %d overruns frame", i)
			}
			c := Component{kind: tag}
			if tag == kindString {
				c.str = unsafeString(data[off : off+n])
			} else {
				c.b = data[off : off+n]
			}
			dst = append(dst, c)
			off += n
		case kindUser:
			if off+6 > len(data) {
				return dst, errors.Errorf("component %d overruns frame", i)
			}
			tid := binary.LittleEndian.Uint16(data[off:])
			n := int(binary.LittleEndian.Uint32(data[off+2:]))
			off += 6
			if off+n > len(data) {
				return dst, errors.Errorf("component %d overruns frame", i)
			}
			dst = append(dst, Component{kind: kindUser, tid: tid, b: data[off : off+n]})
			off += n
		default:
			return dst, errors.Errorf("component %d has unknown tag %d", i, tag)
		}
	}
	return dst, nil
}
