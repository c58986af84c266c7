package kernel

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"moria.us/mld/memory"
)

// A Registry is the table of loaded modules, keyed by name. It does no
// locking; callers serialize module management.
type Registry struct {
	L hclog.Logger

	alloc memory.Allocator
	mods  map[string]*Module
	order []string

	// kernel, if set, holds one reference per registered dynamic module.
	kernel *Module
}

// NewRegistry returns an empty registry. Expunged dynamic modules are freed
// with alloc.
func NewRegistry(alloc memory.Allocator, l hclog.Logger) *Registry {
	if l == nil {
		l = hclog.NewNullLogger()
	}
	return &Registry{
		L:     l,
		alloc: alloc,
		mods:  make(map[string]*Module),
	}
}

// Add makes a module visible to lookups.
func (r *Registry) Add(m *Module) error {
	if _, ok := r.mods[m.Name]; ok {
		return errors.Wrapf(ErrDuplicate, "%q", m.Name)
	}
	r.mods[m.Name] = m
	r.order = append(r.order, m.Name)
	if r.kernel != nil && !m.IsStatic() {
		r.kernel.setOpenCount(r.kernel.openCount + 1)
	}
	r.L.Debug("added module", "module", m.Name, "version", m.Version)
	return nil
}

// Remove removes a module from the table. It does not free the module.
func (r *Registry) Remove(m *Module) {
	if r.mods[m.Name] != m {
		return
	}
	delete(r.mods, m.Name)
	for i, name := range r.order {
		if name == m.Name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.kernel != nil && !m.IsStatic() {
		r.kernel.setOpenCount(r.kernel.openCount - 1)
	}
	r.L.Debug("removed module", "module", m.Name)
}

// Find returns the module called name. Any registered version satisfies the
// request. The open count is not changed.
func (r *Registry) Find(name string, version uint16) (*Module, error) {
	m, ok := r.mods[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}
	if m.Version != version {
		r.L.Trace("version mismatch ignored", "module", name, "have", m.Version, "want", version)
	}
	return m, nil
}

// Modules returns the registered modules in the order they were added.
func (r *Registry) Modules() []*Module {
	mods := make([]*Module, 0, len(r.order))
	for _, name := range r.order {
		mods = append(mods, r.mods[name])
	}
	return mods
}

// Open finds a module and takes a reference to it.
func (r *Registry) Open(ctx context.Context, name string, version uint16) (*Module, error) {
	m, err := r.Find(name, version)
	if err != nil {
		return nil, err
	}
	if m.openCount == Initializing {
		return nil, errors.Wrapf(ErrInitializing, "%q", name)
	}
	if m.hooks.Open != nil {
		if err := m.hooks.Open(ctx, m); err != nil {
			return nil, errors.Wrapf(ErrOpenRefused, "%q: %v", name, err)
		}
	}
	m.setOpenCount(m.openCount + 1)
	r.L.Trace("opened module", "module", name, "open_count", m.openCount)
	return m, nil
}

// Close releases a reference taken by Open.
func (r *Registry) Close(ctx context.Context, m *Module) error {
	if m.openCount <= 0 {
		return errors.Wrapf(ErrNotOpen, "%q", m.Name)
	}
	if m.hooks.Close != nil {
		if err := m.hooks.Close(ctx, m); err != nil {
			r.L.Warn("close hook failed", "module", m.Name, "error", err)
		}
	}
	m.setOpenCount(m.openCount - 1)
	r.L.Trace("closed module", "module", m.Name, "open_count", m.openCount)
	return nil
}

// Expunge unloads an unused module. It fails, leaving the module intact, if
// the module is open or its expunge hook declines.
func (r *Registry) Expunge(ctx context.Context, name string) error {
	m, ok := r.mods[name]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	if m.openCount != 0 {
		return errors.Wrapf(ErrInUse, "%q has open count %d", name, m.openCount)
	}
	if m.hooks.Expunge != nil {
		if err := m.hooks.Expunge(ctx, m); err != nil {
			return errors.Wrapf(ErrExpungeRefused, "%q: %v", name, err)
		}
	}
	r.Remove(m)
	if err := freeMemory(r.alloc, m.mem); err != nil {
		r.L.Error("freeing module memory", "module", name, "error", err)
		return errors.Wrapf(err, "freeing %q", name)
	}
	r.L.Info("expunged module", "module", name)
	return nil
}

// WhichModule returns the module owning the memory at addr, or nil.
func (r *Registry) WhichModule(addr uint32) *Module {
	for _, name := range r.order {
		if m := r.mods[name]; m.Contains(addr) {
			return m
		}
	}
	return nil
}

// Describe writes a table of the registered modules.
func (r *Registry) Describe(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tOPEN\tKIND\tBASE\tSIZE")
	for _, m := range r.Modules() {
		kind := "dynamic"
		if m.IsStatic() {
			kind = "static"
		}
		var base, size uint32
		if rs := m.mem.regions(); len(rs) > 0 {
			base, size = rs[0].Base, rs[0].Size
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%#08x\t%#x\n", m.Name, m.Version, m.openCount, kind, base, size)
	}
	return tw.Flush()
}
