package feeder

import (
	"context"
	"io"
	"maps"
	"slices"
	"sync"

	"swoitm/internal/common"
	"swoitm/internal/itm"
	"swoitm/internal/swo"
)

// Names of the built-in byte sources.
const (
	SourceFile   = "file"
	SourceTCP    = "tcp"
	SourceSTLink = "stlink"
)

// Options carries the settings of every built-in source; each factory reads
// the fields it needs.
type Options struct {
	// file
	File     string // path, "-" or empty for stdin
	ReadSize int    // bytes per chunk, <= 0 for DefaultReadSize

	// tcp
	Addr      string // host:port
	IPv6      bool
	Reconnect bool

	// stlink
	Serial string // probe serial number, empty for the only probe attached
	SWOHz  uint32 // SWO baud rate, 0 for the probe maximum

	Logger common.Logger
}

func (o Options) logger() common.Logger {
	if o.Logger == nil {
		return common.NewNoOpLogger()
	}
	return o.Logger
}

// Factory opens a byte source. The returned closer releases the underlying
// file, connection or probe and unblocks a pending ReadChunk.
type Factory func(ctx context.Context, opts Options) (itm.Source, io.Closer, error)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Registry maps source names onto factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var defaultRegistry = NewRegistry()

// Default returns the registry holding the built-in sources.
func Default() *Registry {
	return defaultRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return common.NewErrorMsg(swo.ErrSevError, swo.ErrInvalidParamVal, "source registration needs a name and a factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return common.NewErrorf(swo.ErrSourceNameRepeat, "source %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Lookup retrieves a factory by its registered name.
func (r *Registry) Lookup(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, exists := r.factories[name]; exists {
		return f, nil
	}
	return nil, common.NewErrorf(swo.ErrSourceNameUnknown, "no source named %q", name)
}

// Names lists the registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Open looks up name and calls its factory.
func (r *Registry) Open(ctx context.Context, name string, opts Options) (itm.Source, io.Closer, error) {
	f, err := r.Lookup(name)
	if err != nil {
		return nil, nil, err
	}
	return f(ctx, opts)
}

// init runs on package load to register the built-in sources.
func init() {
	reg := Default()
	_ = reg.Register(SourceFile, openFile)
	_ = reg.Register(SourceTCP, openTCP)
	_ = reg.Register(SourceSTLink, openSTLink)
}
