package kernel

import (
	"context"

	"moria.us/mld/memory"
	"moria.us/mld/module"
)

// SysVersion is the version of all system modules.
const SysVersion = 2

// Initializing is the open count of a module whose init hook has not
// returned yet. Such modules cannot be opened.
const Initializing = -1

// Memory is the memory owned by a module: either Static or *Dynamic.
type Memory interface {
	regions() []*memory.Region
}

// Static is the memory of a module linked into the kernel image. It is never
// freed. Regions lists the address ranges the module occupies, if known.
type Static struct {
	Regions []*memory.Region
}

func (s Static) regions() []*memory.Region { return s.Regions }

// Dynamic is the memory of a module loaded from a file.
type Dynamic struct {
	Text   *memory.Region
	Rodata *memory.Region
	Data   *memory.Region // data followed by bss
	BSS    *memory.Region // view of the tail of Data

	// Table holds the bases of the four sections, in section order. The
	// descriptor's memory field points at it.
	Table *memory.Region
}

func (d *Dynamic) regions() []*memory.Region {
	var rs []*memory.Region
	for _, r := range []*memory.Region{d.Text, d.Rodata, d.Data} {
		if r != nil {
			rs = append(rs, r)
		}
	}
	return rs
}

// Region returns the memory holding a section.
func (d *Dynamic) Region(id module.SectionID) *memory.Region {
	switch id {
	case module.Text:
		return d.Text
	case module.Rodata:
		return d.Rodata
	case module.Data:
		return d.Data
	case module.BSS:
		return d.BSS
	}
	return nil
}

// region returns the region containing addr.
func (d *Dynamic) region(addr uint32) *memory.Region {
	for _, r := range d.regions() {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// freeMemory releases the memory of a module. Static memory is left alone.
func freeMemory(a memory.Allocator, mem Memory) error {
	switch mem := mem.(type) {
	case Static:
		return nil
	case *Dynamic:
		var first error
		for _, r := range []*memory.Region{mem.Data, mem.Rodata, mem.Text, mem.Table} {
			if r == nil {
				continue
			}
			if err := a.Free(r); err != nil && first == nil {
				first = err
			}
		}
		*mem = Dynamic{}
		return first
	default:
		panic("kernel: unknown module memory")
	}
}

// A Hook is a module lifecycle callback. A non-nil error means the module
// declined or failed.
type Hook func(ctx context.Context, m *Module) error

// Hooks are the optional lifecycle callbacks of a module.
type Hooks struct {
	// Init is called once after loading, before the module is registered.
	Init Hook
	// Open is called each time the module is opened, before the open count
	// is incremented.
	Open Hook
	// Close is called each time the module is closed. Its error is logged
	// and never prevents the close.
	Close Hook
	// Expunge is called when the module is about to be unloaded.
	Expunge Hook
}

// A Module is a loaded module.
type Module struct {
	Name    string
	Version uint16

	openCount int
	mem       Memory
	hooks     Hooks

	// impl is the capability exposed to other modules: a Go value for
	// static modules, a *FunctionTable for dynamic ones.
	impl any
	desc descriptor
}

// OpenCount returns the number of outstanding opens, or Initializing.
func (m *Module) OpenCount() int { return m.openCount }

// Memory returns the memory owned by the module.
func (m *Module) Memory() Memory { return m.mem }

// IsStatic returns true for modules linked into the kernel image.
func (m *Module) IsStatic() bool {
	_, ok := m.mem.(Static)
	return ok
}

// Descriptor returns the address of the module's descriptor, or 0 if it has
// none in simulated memory.
func (m *Module) Descriptor() uint32 {
	if m.desc.Region == nil {
		return 0
	}
	return m.desc.Base
}

// Contains returns true if addr lies inside memory owned by the module.
func (m *Module) Contains(addr uint32) bool {
	if m.desc.Region != nil && m.desc.Contains(addr) {
		return true
	}
	for _, r := range m.mem.regions() {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

func (m *Module) setOpenCount(n int) {
	m.openCount = n
	m.desc.setOpenCount(n)
}

// Capability returns the module's exported interface as a T. Static modules
// provide whatever Go value they were registered with; dynamic modules
// provide a *FunctionTable.
func Capability[T any](m *Module) (T, bool) {
	v, ok := m.impl.(T)
	return v, ok
}
