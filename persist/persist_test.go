package persist

import (
	"encoding/binary"
	"testing"

	"github.com/fibersched/fiber"
)

// stringRef is a minimal Persistable used only by this test; real callers
// register their own reference types the same way.
type stringRef string

func (s stringRef) TypeName() string { return "persist_test.stringRef" }

func (s stringRef) MarshalAppend(b []byte) ([]byte, error) {
	return append(b, []byte(s)...), nil
}

func (s *stringRef) Unmarshal(b []byte) (int, error) {
	*s = stringRef(b)
	return len(b), nil
}

func init() {
	Register("persist_test.stringRef", func() Persistable { return new(stringRef) })
}

func newStringRef(s string) *stringRef {
	v := stringRef(s)
	return &v
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	frames := []fiber.ContinuationFrame{
		{
			ResumeIndex: 2,
			Primitives:  []uint64{binary.LittleEndian.Uint64([]byte{1, 0, 0, 0, 0, 0, 0, 0})},
			References:  []any{newStringRef("hello"), nil},
		},
	}
	locals := map[string]any{"user-id": newStringRef("u-1")}
	inheritable := map[string]any{"trace-id": newStringRef("t-1")}

	b, err := Snapshot("worker-fiber", frames, locals, inheritable)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	got, err := Restore(b)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got.Name != "worker-fiber" {
		t.Fatalf("Name = %q, want %q", got.Name, "worker-fiber")
	}
	if len(got.Frames) != 1 {
		t.Fatalf("len(Frames) = %d, want 1", len(got.Frames))
	}
	fr := got.Frames[0]
	if fr.ResumeIndex != 2 {
		t.Fatalf("ResumeIndex = %d, want 2", fr.ResumeIndex)
	}
	if len(fr.Primitives) != 1 || fr.Primitives[0] != frames[0].Primitives[0] {
		t.Fatalf("Primitives = %v, want %v", fr.Primitives, frames[0].Primitives)
	}
	if len(fr.References) != 2 {
		t.Fatalf("len(References) = %d, want 2", len(fr.References))
	}
	if ref, ok := fr.References[0].(*stringRef); !ok || *ref != "hello" {
		t.Fatalf("References[0] = %#v, want stringRef(hello)", fr.References[0])
	}
	if fr.References[1] != nil {
		t.Fatalf("References[1] = %#v, want nil", fr.References[1])
	}

	if ref, ok := got.Locals["user-id"].(*stringRef); !ok || *ref != "u-1" {
		t.Fatalf("Locals[user-id] = %#v, want stringRef(u-1)", got.Locals["user-id"])
	}
	if ref, ok := got.Inheritable["trace-id"].(*stringRef); !ok || *ref != "t-1" {
		t.Fatalf("Inheritable[trace-id] = %#v, want stringRef(t-1)", got.Inheritable["trace-id"])
	}
}

func TestSnapshotRejectsUnregisteredReference(t *testing.T) {
	frames := []fiber.ContinuationFrame{
		{References: []any{42}},
	}
	_, err := Snapshot("bad", frames, nil, nil)
	if err == nil {
		t.Fatal("Snapshot() with an unregistered reference type should fail, not silently drop it")
	}
	if _, ok := err.(*UnregisteredTypeError); !ok {
		t.Fatalf("error = %#v, want *UnregisteredTypeError", err)
	}
}

func TestRestoreRejectsUnknownTypeName(t *testing.T) {
	frames := []fiber.ContinuationFrame{
		{References: []any{newStringRef("x")}},
	}
	b, err := Snapshot("ok", frames, nil, nil)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	registryMu.Lock()
	saved := registry["persist_test.stringRef"]
	delete(registry, "persist_test.stringRef")
	registryMu.Unlock()
	defer func() {
		registryMu.Lock()
		registry["persist_test.stringRef"] = saved
		registryMu.Unlock()
	}()

	if _, err := Restore(b); err == nil {
		t.Fatal("Restore() with no factory registered for the encoded type should fail")
	}
}
