package telegram

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/trdpsim/errors"
)

// Registry owns the dataset and telegram definitions and the lazily created
// runtimes. It is safe for concurrent use: definitions are handed out as
// copies, runtimes as shared handles.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	datasets  map[string]DatasetDef
	telegrams map[uint32]TelegramDef
	runtimes  map[uint32]*Runtime
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With("component", "registry"),
		datasets:  make(map[string]DatasetDef),
		telegrams: make(map[uint32]TelegramDef),
		runtimes:  make(map[uint32]*Runtime),
	}
}

// RegisterDataset inserts or replaces a dataset by name.
func (r *Registry) RegisterDataset(def DatasetDef) error {
	if err := def.Validate(); err != nil {
		return errors.WrapInvalid(err, "Registry", "RegisterDataset", "dataset rejected")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets[def.Name] = def.clone()
	return nil
}

// RegisterTelegram inserts or replaces a telegram by ComId. The referenced
// dataset must already be registered.
func (r *Registry) RegisterTelegram(def TelegramDef) error {
	if err := def.Validate(); err != nil {
		return errors.WrapInvalid(err, "Registry", "RegisterTelegram", "telegram rejected")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.datasets[def.DatasetName]; !ok {
		return errors.WrapInvalid(errors.ErrUnknownDataset, "Registry", "RegisterTelegram",
			fmt.Sprintf("telegram %d references dataset %q", def.ComID, def.DatasetName))
	}
	r.telegrams[def.ComID] = def
	return nil
}

// Clear drops all datasets, telegrams, and runtimes.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datasets = make(map[string]DatasetDef)
	r.telegrams = make(map[uint32]TelegramDef)
	r.runtimes = make(map[uint32]*Runtime)
}

// ListDatasets returns snapshot copies of all datasets. Ordering is
// unspecified.
func (r *Registry) ListDatasets() []DatasetDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DatasetDef, 0, len(r.datasets))
	for _, def := range r.datasets {
		out = append(out, def.clone())
	}
	return out
}

// ListTelegrams returns snapshot copies of all telegrams. Ordering is
// unspecified.
func (r *Registry) ListTelegrams() []TelegramDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TelegramDef, 0, len(r.telegrams))
	for _, def := range r.telegrams {
		out = append(out, def)
	}
	return out
}

// Dataset returns a snapshot copy of one dataset.
func (r *Registry) Dataset(name string) (DatasetDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.datasets[name]
	if !ok {
		return DatasetDef{}, false
	}
	return def.clone(), true
}

// Telegram returns a snapshot copy of one telegram.
func (r *Registry) Telegram(comID uint32) (TelegramDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.telegrams[comID]
	return def, ok
}

// GetOrCreateRuntime returns the shared runtime handle for a telegram,
// creating it lazily from the telegram's dataset. Returns nil when the
// telegram or its dataset is not registered. Repeated calls return the same
// handle.
func (r *Registry) GetOrCreateRuntime(comID uint32) *Runtime {
	r.mu.Lock()
	defer r.mu.Unlock()

	if runtime, ok := r.runtimes[comID]; ok {
		return runtime
	}

	def, ok := r.telegrams[comID]
	if !ok {
		return nil
	}
	dataset, ok := r.datasets[def.DatasetName]
	if !ok {
		return nil
	}

	runtime := NewRuntime(dataset)
	r.runtimes[comID] = runtime
	return runtime
}

// Counts returns the number of registered datasets and telegrams.
func (r *Registry) Counts() (datasets, telegrams int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.datasets), len(r.telegrams)
}
