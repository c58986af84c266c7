package kernel

import (
	"bytes"
	"context"
	"io"
	"path"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"moria.us/mld/fs"
	"moria.us/mld/memory"
	"moria.us/mld/module"
)

// DefaultLibDir is the directory module files are loaded from.
const DefaultLibDir = "/lib"

// A StaticModule is a module linked into the kernel image.
type StaticModule struct {
	Name    string
	Version uint16
	Hooks   Hooks
	// Impl is returned by Capability.
	Impl any
	// Regions are the address ranges the module occupies, if any.
	Regions []*memory.Region
}

// A Loader materializes modules from the static module table or from module
// files.
type Loader struct {
	L hclog.Logger

	Files    fs.FileService
	Memory   memory.Allocator
	Static   map[string]*StaticModule
	Registry *Registry // loaded modules are added here, if set
	Exec     Executor

	// KernelAddr is the value patched in for references to the kernel
	// interface.
	KernelAddr uint32
	LibDir     string
}

// Path returns the file a module is loaded from.
func (l *Loader) Path(name string) string {
	dir := l.LibDir
	if dir == "" {
		dir = DefaultLibDir
	}
	return path.Join(dir, name+".module")
}

func (l *Loader) logger() hclog.Logger {
	if l.L == nil {
		return hclog.NewNullLogger()
	}
	return l.L
}

// Load loads and initializes the module called name. On success the module
// has open count 0 and has been registered. On failure nothing stays
// allocated or registered.
func (l *Loader) Load(ctx context.Context, name string) (*Module, error) {
	if l.Registry != nil {
		if _, ok := l.Registry.mods[name]; ok {
			return nil, errors.Wrapf(ErrDuplicate, "%q", name)
		}
	}
	if s, ok := l.Static[name]; ok {
		return l.loadStatic(ctx, s)
	}
	ld := &load{
		Loader: l,
		L:      l.logger().With("module", name),
		name:   name,
	}
	m, err := ld.run(ctx)
	if err != nil {
		ld.fail(err)
		return nil, err
	}
	return m, nil
}

// Free releases the memory of a module. Static modules are not affected.
func (l *Loader) Free(m *Module) error {
	return freeMemory(l.Memory, m.mem)
}

func (l *Loader) loadStatic(ctx context.Context, s *StaticModule) (*Module, error) {
	m := &Module{
		Name:      s.Name,
		Version:   s.Version,
		openCount: Initializing,
		mem:       Static{Regions: s.Regions},
		hooks:     s.Hooks,
		impl:      s.Impl,
	}
	if err := initialize(ctx, m); err != nil {
		return nil, err
	}
	if err := l.register(m); err != nil {
		return nil, err
	}
	l.logger().Debug("initialized static module", "module", m.Name)
	return m, nil
}

func initialize(ctx context.Context, m *Module) error {
	m.setOpenCount(Initializing)
	if m.hooks.Init != nil {
		if err := m.hooks.Init(ctx, m); err != nil {
			return errors.Wrapf(ErrInit, "%q: %v", m.Name, err)
		}
	}
	m.setOpenCount(0)
	return nil
}

func (l *Loader) register(m *Module) error {
	if l.Registry == nil {
		return nil
	}
	return l.Registry.Add(m)
}

type loadState int

const (
	stateUnopened loadState = iota
	stateHeaderRead
	stateSectionsLoaded
	stateRelocated
	stateInitialized
	stateRegistered
	stateFailed
)

var stateNames = [...]string{
	"unopened", "header read", "sections loaded", "relocated",
	"initialized", "registered", "failed",
}

func (s loadState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// A load is one attempt at loading a module file.
type load struct {
	*Loader
	L     hclog.Logger
	name  string
	state loadState
	hdr   *module.Header
	mem   *Dynamic
}

func (ld *load) advance(s loadState) {
	ld.L.Trace("load state", "from", ld.state.String(), "to", s.String())
	ld.state = s
}

// fail tears down everything allocated by the attempt.
func (ld *load) fail(err error) {
	ld.L.Error("module load failed", "state", ld.state.String(), "error", err)
	if ld.mem != nil {
		if ferr := freeMemory(ld.Memory, ld.mem); ferr != nil {
			ld.L.Error("freeing module memory", "error", ferr)
		}
		ld.mem = nil
	}
	ld.advance(stateFailed)
}

func (ld *load) run(ctx context.Context) (*Module, error) {
	p := ld.Path(ld.name)
	ld.L.Info("loading module", "path", p)
	f, err := ld.Files.Open(ctx, p)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", p)
	}
	defer f.Close()

	if err := ld.readHeader(f); err != nil {
		return nil, err
	}
	ld.advance(stateHeaderRead)

	if err := ld.allocate(); err != nil {
		return nil, err
	}
	if err := ld.loadSections(f); err != nil {
		return nil, err
	}
	ld.advance(stateSectionsLoaded)

	if err := ld.relocate(f); err != nil {
		return nil, err
	}
	ld.advance(stateRelocated)

	m, err := ld.newModule()
	if err != nil {
		return nil, err
	}
	if err := initialize(ctx, m); err != nil {
		return nil, err
	}
	ld.advance(stateInitialized)

	if err := ld.register(m); err != nil {
		return nil, err
	}
	ld.advance(stateRegistered)
	ld.L.Info("loaded module", "descriptor", hclog.Hex(int(m.Descriptor())),
		"text", hclog.Hex(int(ld.mem.Text.Base)), "rodata", hclog.Hex(int(ld.mem.Rodata.Base)),
		"data", hclog.Hex(int(ld.mem.Data.Base)), "bss", hclog.Hex(int(ld.mem.BSS.Base)))
	return m, nil
}

func (ld *load) readHeader(f fs.File) error {
	var buf [module.HeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return errors.Wrapf(ErrIO, "reading header: %v", err)
	}
	hdr, err := module.ReadHeader(bytes.NewReader(buf[:]))
	if err != nil {
		return err
	}
	ld.hdr = hdr
	return nil
}

// allocate reserves the section table, text, rodata and the combined data
// and bss region. BSS starts out zeroed.
func (ld *load) allocate() error {
	h := ld.hdr
	ld.mem = new(Dynamic)
	var err error
	if ld.mem.Table, err = ld.Memory.ZeroAllocate(module.NumSections * 4); err != nil {
		return errors.Wrapf(ErrAllocation, "section table: %v", err)
	}
	if ld.mem.Text, err = ld.Memory.Allocate(h.Text.Size); err != nil {
		return errors.Wrapf(ErrAllocation, "text: %v", err)
	}
	if ld.mem.Rodata, err = ld.Memory.Allocate(h.Rodata.Size); err != nil {
		return errors.Wrapf(ErrAllocation, "rodata: %v", err)
	}
	total := uint64(h.Data.Size) + uint64(h.BSSSize)
	if total > 1<<32-1 {
		return errors.Wrapf(ErrAllocation, "data and bss size %#x is too large", total)
	}
	if ld.mem.Data, err = ld.Memory.ZeroAllocate(uint32(total)); err != nil {
		return errors.Wrapf(ErrAllocation, "data and bss: %v", err)
	}
	if ld.mem.BSS, err = ld.mem.Data.Slice(h.Data.Size, h.BSSSize); err != nil {
		return errors.Wrapf(ErrAllocation, "bss: %v", err)
	}
	for id := module.SectionID(0); id < module.NumSections; id++ {
		if err := ld.mem.Table.PutUint32(uint32(id)*4, ld.mem.Region(id).Base); err != nil {
			return err
		}
	}
	ld.L.Debug("allocated module memory",
		"text", hclog.Hex(int(ld.mem.Text.Base)), "text_size", h.Text.Size,
		"rodata", hclog.Hex(int(ld.mem.Rodata.Base)), "rodata_size", h.Rodata.Size,
		"data", hclog.Hex(int(ld.mem.Data.Base)), "data_size", h.Data.Size,
		"bss_size", h.BSSSize)
	return nil
}

func seek(f fs.File, pos uint32, what string) error {
	got, err := f.Seek(int64(pos), io.SeekStart)
	if err != nil {
		return errors.Wrapf(ErrIO, "seeking to %s at %#x: %v", what, pos, err)
	}
	if got != int64(pos) {
		return errors.Wrapf(ErrIO, "seeking to %s at %#x, got %#x", what, pos, got)
	}
	return nil
}

func (ld *load) loadSections(f fs.File) error {
	for id := module.SectionID(0); id < module.NumStored; id++ {
		s := ld.hdr.Section(id)
		if s.Size == 0 {
			continue
		}
		if err := seek(f, s.Offset, id.String()); err != nil {
			return err
		}
		buf, err := ld.mem.Region(id).Project(0, s.Size)
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(f, buf); err != nil {
			return errors.Wrapf(ErrIO, "reading %d bytes of %s: %v", s.Size, id, err)
		}
	}
	return nil
}

// relocBatch is the number of relocation entries read at a time.
const relocBatch = 256

func readRelocations(f fs.File, s *module.Section, id module.SectionID) ([]module.Relocation, error) {
	if err := seek(f, s.RelocOffset, id.String()+" relocations"); err != nil {
		return nil, err
	}
	var relocs []module.Relocation
	buf := make([]byte, relocBatch*module.RelocationSize)
	for left := s.RelocCount; left > 0; {
		n := uint32(relocBatch)
		if left < n {
			n = left
		}
		chunk := buf[:n*module.RelocationSize]
		if _, err := io.ReadFull(f, chunk); err != nil {
			return nil, errors.Wrapf(ErrIO, "reading %d %s relocations: %v", s.RelocCount, id, err)
		}
		rs, err := module.DecodeRelocations(chunk)
		if err != nil {
			return nil, err
		}
		relocs = append(relocs, rs...)
		left -= n
	}
	return relocs, nil
}

// relocate reads every relocation table and checks every entry before
// patching anything.
func (ld *load) relocate(f fs.File) error {
	var patches []patch
	for id := module.SectionID(0); id < module.NumStored; id++ {
		s := ld.hdr.Section(id)
		if s.RelocCount == 0 {
			continue
		}
		relocs, err := readRelocations(f, s, id)
		if err != nil {
			return err
		}
		ps, err := planRelocations(ld.hdr, ld.mem, id, relocs, ld.KernelAddr)
		if err != nil {
			return err
		}
		ld.L.Debug("planned relocations", "section", id.String(), "count", len(ps))
		patches = append(patches, ps...)
	}
	return applyPatches(patches)
}

// newModule builds the module from its relocated descriptor.
func (ld *load) newModule() (*Module, error) {
	desc, err := locateDescriptor(ld.mem.Region(ld.hdr.ModSection), ld.hdr.ModOffset)
	if err != nil {
		return nil, err
	}
	name, err := desc.name(ld.mem)
	if err != nil {
		return nil, err
	}
	if name != ld.name {
		return nil, errors.Wrapf(ErrFormat, "module file %s contains module %q", ld.Path(ld.name), name)
	}
	if err := desc.writeBack(ld.mem); err != nil {
		return nil, err
	}
	return &Module{
		Name:      name,
		Version:   desc.version(),
		openCount: Initializing,
		mem:       ld.mem,
		hooks:     nativeHooks(ld.Exec, desc),
		impl:      &FunctionTable{words: desc.exports(), exec: ld.Exec},
		desc:      desc,
	}, nil
}
