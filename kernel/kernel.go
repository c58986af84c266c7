// Package kernel loads, relocates and tracks kernel modules.
//
// Modules come from two places: a table of modules linked into the kernel
// image, and module files read through a file service into a simulated
// 32-bit physical memory. The kernel itself is registered as the static
// module "kernel", whose interface pointer is what module references to the
// kernel symbol are resolved to.
package kernel

import (
	"context"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"moria.us/mld/fs"
	"moria.us/mld/log"
	"moria.us/mld/memory"
	"moria.us/mld/module"
)

// Default simulated memory used when Config.Memory is nil.
const (
	DefaultArenaBase = 0x00100000
	DefaultArenaSize = 0x00400000
)

// Config configures a kernel.
type Config struct {
	Files  fs.FileService
	Memory memory.Allocator // nil for a default arena
	Exec   Executor
	Static []*StaticModule
	LibDir string
	L      hclog.Logger
}

// A Kernel owns the module registry and loader.
type Kernel struct {
	L        hclog.Logger
	Registry *Registry
	Loader   *Loader

	self  *Module
	arena *memory.Arena // owned arena, if any
}

// New boots a kernel: it sets up memory and registers the kernel module.
func New(cfg Config) (*Kernel, error) {
	l := cfg.L
	if l == nil {
		l = log.L.Named("kernel")
	}
	k := &Kernel{L: l}
	alloc := cfg.Memory
	if alloc == nil {
		a, err := memory.NewArena(DefaultArenaBase, DefaultArenaSize)
		if err != nil {
			return nil, err
		}
		k.arena = a
		alloc = a
	}
	static := make(map[string]*StaticModule, len(cfg.Static))
	for _, s := range cfg.Static {
		if s.Name == module.KernelName {
			k.Close()
			return nil, errors.Wrapf(ErrDuplicate, "static module %q", s.Name)
		}
		static[s.Name] = s
	}
	k.Registry = NewRegistry(alloc, l.Named("registry"))
	k.Loader = &Loader{
		L:        l.Named("loader"),
		Files:    cfg.Files,
		Memory:   alloc,
		Static:   static,
		Registry: k.Registry,
		Exec:     cfg.Exec,
		LibDir:   cfg.LibDir,
	}
	if err := k.addKernelModule(alloc); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// addKernelModule places the kernel descriptor and the kernel interface
// pointer in memory and registers the kernel module, open once so it is
// never expunged.
func (k *Kernel) addKernelModule(alloc memory.Allocator) error {
	name := module.KernelName
	desc, err := alloc.ZeroAllocate(descExports + uint32(len(name)) + 1)
	if err != nil {
		return errors.Wrapf(ErrAllocation, "kernel descriptor: %v", err)
	}
	ptr, err := alloc.ZeroAllocate(4)
	if err != nil {
		alloc.Free(desc)
		return errors.Wrapf(ErrAllocation, "kernel interface: %v", err)
	}
	for _, err := range []error{
		desc.PutUint32(descName, desc.Base+descExports),
		desc.PutUint16(descVersion, SysVersion),
		desc.PutUint32(descSize, desc.Size),
		desc.PutUint8(descStatic, 1),
		desc.Write(descExports, []byte(name+"\x00")),
		ptr.PutUint32(0, desc.Base),
	} {
		if err != nil {
			return err
		}
	}
	m := &Module{
		Name:    name,
		Version: SysVersion,
		mem:     Static{Regions: []*memory.Region{desc, ptr}},
		impl:    k,
		desc:    descriptor{desc},
	}
	m.setOpenCount(1)
	if err := k.Registry.Add(m); err != nil {
		return err
	}
	k.self = m
	k.Registry.kernel = m
	k.Loader.KernelAddr = ptr.Base
	k.L.Debug("kernel module", "descriptor", hclog.Hex(int(desc.Base)), "interface", hclog.Hex(int(ptr.Base)))
	return nil
}

// Module returns the kernel's own module.
func (k *Kernel) Module() *Module { return k.self }

// InterfaceAddr returns the address module references to the kernel symbol
// resolve to.
func (k *Kernel) InterfaceAddr() uint32 { return k.Loader.KernelAddr }

// FindModule returns a registered module without opening it.
func (k *Kernel) FindModule(name string, version uint16) (*Module, error) {
	return k.Registry.Find(name, version)
}

// OpenModule opens the module called name, loading it first if needed.
func (k *Kernel) OpenModule(ctx context.Context, name string, version uint16) (*Module, error) {
	if _, err := k.Registry.Find(name, version); errors.Is(err, ErrNotFound) {
		if _, err := k.Loader.Load(ctx, name); err != nil {
			return nil, err
		}
	}
	return k.Registry.Open(ctx, name, version)
}

// CloseModule releases a reference taken by OpenModule.
func (k *Kernel) CloseModule(ctx context.Context, m *Module) error {
	return k.Registry.Close(ctx, m)
}

// ExpungeModule unloads an unused module. Every registered dynamic module
// holds a reference to the kernel module, released when it is removed.
func (k *Kernel) ExpungeModule(ctx context.Context, name string) error {
	return k.Registry.Expunge(ctx, name)
}

// Close releases the kernel's memory if it owns it.
func (k *Kernel) Close() error {
	if k.arena == nil {
		return nil
	}
	err := k.arena.Close()
	k.arena = nil
	return err
}
