// Package persist implements the wire codec for a suspended fiber's
// persisted state (SPEC_FULL.md §4.7): the Continuation Stack and the
// fiber-local/inheritable-fiber-local snapshots of a fiber that is not
// RUNNING. The format is hand-rolled directly on top of
// google.golang.org/protobuf/encoding/protowire's varint and
// length-delimited primitives — no .proto file or codegen, in the same
// spirit as the teacher package's own hand-rolled encoding/binary varint
// framing in serde.go, upgraded to the wire primitives this module already
// depends on for other reasons.
//
// Reference values captured in a ContinuationFrame (and fiber-local
// values) can only be persisted if they implement Persistable and are
// registered with Register under the name TypeName returns; anything else
// fails the encode structurally rather than being silently dropped.
package persist

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fibersched/fiber"
)

// Persistable is implemented by any reference-typed value that may occupy
// a ContinuationFrame's Reference slot, or a fiber-local's value, and
// survive a Snapshot/Restore round trip. It plays the role the teacher's
// own Serializable interface plays for its reflection-based codec, but
// values here are marshaled through the protobuf wire primitives instead
// of encoding/binary, and dispatch on a registered name instead of
// reflect.Type.
type Persistable interface {
	// TypeName identifies the concrete type for the registry lookup on
	// Restore; it must match the name passed to Register.
	TypeName() string
	// MarshalAppend appends the value's encoded form to b and returns it.
	MarshalAppend(b []byte) ([]byte, error)
	// Unmarshal decodes a value of this type from the front of b,
	// returning the number of bytes consumed.
	Unmarshal(b []byte) (n int, err error)
}

// Factory produces a zero-valued Persistable of a registered type, ready
// to have Unmarshal called on it.
type Factory func() Persistable

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a type to the registry Restore consults when it encounters
// a persisted reference or fiber-local value tagged with name. Typically
// called from an init function, mirroring the teacher's RegisterType.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

func lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// UnregisteredTypeError is returned when an encode encounters a reference
// value that is not Persistable, or a decode encounters a type name with
// no registered Factory. Per §4.7, this is always a structural failure,
// never a silent drop of the offending slot.
type UnregisteredTypeError struct {
	TypeName string
}

func (e *UnregisteredTypeError) Error() string {
	return fmt.Sprintf("persist: type %q is not registered", e.TypeName)
}

// field numbers for the Snapshot message.
const (
	fieldSnapshotName        = 1
	fieldSnapshotFrame       = 2
	fieldSnapshotLocal       = 3
	fieldSnapshotInheritable = 4
)

// field numbers for the Frame message.
const (
	fieldFrameResumeIndex = 1
	fieldFramePrimitive   = 2
	fieldFrameSlot        = 3
)

// field numbers for the Slot message.
const (
	fieldSlotPresent = 1
	fieldSlotType    = 2
	fieldSlotPayload = 3
)

// field numbers for the LocalEntry message.
const (
	fieldLocalKey  = 1
	fieldLocalSlot = 2
)

// Snapshot encodes name, a fiber's Continuation Stack frames (bottom to
// top, as returned by ContinuationStack.Snapshot), and its fiber-local and
// inheritable-fiber-local views (as returned by Fiber.LocalSnapshot) into
// a single opaque byte slice.
func Snapshot(name string, frames []fiber.ContinuationFrame, locals, inheritable map[string]any) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldSnapshotName, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(name))

	for _, fr := range frames {
		fb, err := encodeFrame(fr)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldSnapshotFrame, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}

	lb, err := encodeLocalMap(locals)
	if err != nil {
		return nil, err
	}
	for _, e := range lb {
		b = protowire.AppendTag(b, fieldSnapshotLocal, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}

	ib, err := encodeLocalMap(inheritable)
	if err != nil {
		return nil, err
	}
	for _, e := range ib {
		b = protowire.AppendTag(b, fieldSnapshotInheritable, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}

	return b, nil
}

// Restored is the decoded form of a Snapshot.
type Restored struct {
	Name        string
	Frames      []fiber.ContinuationFrame
	Locals      map[string]any
	Inheritable map[string]any
}

// Restore decodes the output of Snapshot.
func Restore(b []byte) (*Restored, error) {
	out := &Restored{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("persist: malformed snapshot tag (code %d)", n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("persist: snapshot field %d has unexpected wire type %v", num, typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("persist: malformed snapshot field %d (code %d)", num, n)
		}
		b = b[n:]

		switch num {
		case fieldSnapshotName:
			out.Name = string(v)
		case fieldSnapshotFrame:
			fr, err := decodeFrame(v)
			if err != nil {
				return nil, err
			}
			out.Frames = append(out.Frames, fr)
		case fieldSnapshotLocal:
			key, val, err := decodeLocalEntry(v)
			if err != nil {
				return nil, err
			}
			if out.Locals == nil {
				out.Locals = make(map[string]any)
			}
			out.Locals[key] = val
		case fieldSnapshotInheritable:
			key, val, err := decodeLocalEntry(v)
			if err != nil {
				return nil, err
			}
			if out.Inheritable == nil {
				out.Inheritable = make(map[string]any)
			}
			out.Inheritable[key] = val
		}
	}
	return out, nil
}

func encodeFrame(fr fiber.ContinuationFrame) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldFrameResumeIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(fr.ResumeIndex)))

	for _, p := range fr.Primitives {
		b = protowire.AppendTag(b, fieldFramePrimitive, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, p)
	}

	for _, ref := range fr.References {
		sb, err := encodeSlot(ref)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldFrameSlot, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}

	return b, nil
}

func decodeFrame(b []byte) (fiber.ContinuationFrame, error) {
	var fr fiber.ContinuationFrame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fr, fmt.Errorf("persist: malformed frame tag (code %d)", n)
		}
		b = b[n:]
		switch num {
		case fieldFrameResumeIndex:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fr, fmt.Errorf("persist: malformed resume index (code %d)", n)
			}
			b = b[n:]
			fr.ResumeIndex = int(int64(v))
		case fieldFramePrimitive:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return fr, fmt.Errorf("persist: malformed primitive (code %d)", n)
			}
			b = b[n:]
			fr.Primitives = append(fr.Primitives, v)
		case fieldFrameSlot:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fr, fmt.Errorf("persist: malformed slot (code %d)", n)
			}
			b = b[n:]
			ref, err := decodeSlot(v)
			if err != nil {
				return fr, err
			}
			fr.References = append(fr.References, ref)
		default:
			return fr, fmt.Errorf("persist: unknown frame field %d (wire type %v)", num, typ)
		}
	}
	return fr, nil
}

// encodeSlot encodes a single Reference slot, including the nil case: a
// ContinuationFrame's References commonly has unset trailing slots, and
// position within the slice matters for replay, so nils are encoded
// explicitly rather than skipped.
func encodeSlot(v any) ([]byte, error) {
	var b []byte
	if v == nil {
		b = protowire.AppendTag(b, fieldSlotPresent, protowire.VarintType)
		b = protowire.AppendVarint(b, 0)
		return b, nil
	}
	p, ok := v.(Persistable)
	if !ok {
		return nil, &UnregisteredTypeError{TypeName: fmt.Sprintf("%T", v)}
	}
	payload, err := p.MarshalAppend(nil)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, fieldSlotPresent, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	b = protowire.AppendTag(b, fieldSlotType, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(p.TypeName()))
	b = protowire.AppendTag(b, fieldSlotPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	return b, nil
}

func decodeSlot(b []byte) (any, error) {
	var (
		present  bool
		typeName string
		payload  []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("persist: malformed slot tag (code %d)", n)
		}
		b = b[n:]
		switch num {
		case fieldSlotPresent:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("persist: malformed slot presence (code %d)", n)
			}
			b = b[n:]
			present = v != 0
		case fieldSlotType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("persist: malformed slot type (code %d)", n)
			}
			b = b[n:]
			typeName = string(v)
		case fieldSlotPayload:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("persist: malformed slot payload (code %d)", n)
			}
			b = b[n:]
			payload = v
		default:
			return nil, fmt.Errorf("persist: unknown slot field %d (wire type %v)", num, typ)
		}
	}
	if !present {
		return nil, nil
	}
	return instantiate(typeName, payload)
}

func encodeLocalMap(m map[string]any) ([][]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(m))
	for k, v := range m {
		sb, err := encodeSlot(v)
		if err != nil {
			return nil, fmt.Errorf("persist: local %q: %w", k, err)
		}
		var b []byte
		b = protowire.AppendTag(b, fieldLocalKey, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(k))
		b = protowire.AppendTag(b, fieldLocalSlot, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
		out = append(out, b)
	}
	return out, nil
}

func decodeLocalEntry(b []byte) (key string, value any, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("persist: malformed local entry tag (code %d)", n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return "", nil, fmt.Errorf("persist: local entry field %d has unexpected wire type %v", num, typ)
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, fmt.Errorf("persist: malformed local entry field %d (code %d)", num, n)
		}
		b = b[n:]
		switch num {
		case fieldLocalKey:
			key = string(v)
		case fieldLocalSlot:
			value, err = decodeSlot(v)
			if err != nil {
				return "", nil, err
			}
		}
	}
	return key, value, nil
}

func instantiate(typeName string, payload []byte) (Persistable, error) {
	factory, ok := lookup(typeName)
	if !ok {
		return nil, &UnregisteredTypeError{TypeName: typeName}
	}
	v := factory()
	n, err := v.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("persist: unmarshal %q: %w", typeName, err)
	}
	if n != len(payload) {
		return nil, fmt.Errorf("persist: unmarshal %q consumed %d of %d bytes", typeName, n, len(payload))
	}
	return v, nil
}
