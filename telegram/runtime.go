package telegram

import (
	"bytes"
	"maps"
	"sync"
)

// Runtime is the mutable state of one telegram: a typed field mapping whose
// key set always equals the dataset's field names, and the wire buffer the
// fields project to. The buffer length is fixed at the dataset's effective
// size.
//
// A Runtime is a shared handle: the engine mutates it while observers take
// snapshot copies. All access goes through an internal reader/writer lock.
type Runtime struct {
	dataset DatasetDef

	mu     sync.RWMutex
	fields map[string]FieldValue
	buffer []byte
}

// NewRuntime creates a runtime for the dataset with every field unset and a
// zeroed wire buffer.
func NewRuntime(dataset DatasetDef) *Runtime {
	ds := dataset.clone()
	fields := make(map[string]FieldValue, len(ds.Fields))
	for _, field := range ds.Fields {
		fields[field.Name] = FieldValue{}
	}
	return &Runtime{
		dataset: ds,
		fields:  fields,
		buffer:  make([]byte, ds.EffectiveSize()),
	}
}

// Dataset returns a copy of the dataset definition the runtime was built
// from.
func (r *Runtime) Dataset() DatasetDef {
	return r.dataset.clone()
}

// FieldValue returns the current value of one field.
func (r *Runtime) FieldValue(name string) (FieldValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.fields[name]
	return value, ok
}

// SetFieldValue updates one field. Names outside the dataset are rejected.
func (r *Runtime) SetFieldValue(name string, value FieldValue) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.fields[name]; !ok {
		return false
	}
	r.fields[name] = value
	return true
}

// SnapshotFields returns a copy of the field mapping.
func (r *Runtime) SnapshotFields() map[string]FieldValue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.fields)
}

// ApplyFields stores the overrides that name dataset fields and returns the
// merged view: the current snapshot with every override applied on top.
// Overrides for unknown names appear in the merged view but are not stored.
func (r *Runtime) ApplyFields(overrides map[string]FieldValue) map[string]FieldValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, value := range overrides {
		if _, ok := r.fields[name]; ok {
			r.fields[name] = value
		}
	}
	merged := maps.Clone(r.fields)
	for name, value := range overrides {
		merged[name] = value
	}
	return merged
}

// BufferCopy returns a copy of the wire buffer.
func (r *Runtime) BufferCopy() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return bytes.Clone(r.buffer)
}

// BufferSize returns the wire buffer length, the dataset's effective size.
func (r *Runtime) BufferSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffer)
}

// OverwriteBuffer replaces the wire buffer content. Input longer than the
// buffer is truncated; shorter input zero-fills the tail.
func (r *Runtime) OverwriteBuffer(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := copy(r.buffer, data)
	for i := n; i < len(r.buffer); i++ {
		r.buffer[i] = 0
	}
}

// ApplyPayload ingests a received wire payload: the buffer takes the payload
// content (truncated or zero-padded to the buffer length) and every field
// that fits inside the payload is re-decoded. Fields beyond the payload keep
// their previous values.
func (r *Runtime) ApplyPayload(payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := copy(r.buffer, payload)
	for i := n; i < len(r.buffer); i++ {
		r.buffer[i] = 0
	}

	for _, field := range r.dataset.Fields {
		width := field.Width()
		if width == 0 || field.Offset+width > len(payload) {
			continue
		}
		r.fields[field.Name] = decodeValue(field, payload)
	}
}
