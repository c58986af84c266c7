package kernel

import (
	"context"

	"github.com/pkg/errors"

	"moria.us/mld/memory"
)

// An Executor runs machine code of loaded modules.
type Executor interface {
	// Call runs the function at addr with the given arguments and returns
	// its result register.
	Call(ctx context.Context, addr uint32, args ...uint32) (uint32, error)
}

// ExecFunc adapts a function to the Executor interface.
type ExecFunc func(ctx context.Context, addr uint32, args ...uint32) (uint32, error)

// Call implements Executor.
func (f ExecFunc) Call(ctx context.Context, addr uint32, args ...uint32) (uint32, error) {
	return f(ctx, addr, args...)
}

// SucceedExecutor does not run anything; every call returns 1. It lets
// modules be loaded and inspected on hosts that cannot run their code.
var SucceedExecutor Executor = ExecFunc(func(context.Context, uint32, ...uint32) (uint32, error) {
	return 1, nil
})

var errNoExecutor = errors.New("no executor for native code")

// nativeHook wraps the native function at addr. A zero address is an
// absent hook. If check is set, a zero result is a refusal.
func nativeHook(exec Executor, name string, addr uint32, check bool, args func(m *Module) []uint32) Hook {
	if addr == 0 {
		return nil
	}
	return func(ctx context.Context, m *Module) error {
		if exec == nil {
			return errNoExecutor
		}
		var a []uint32
		if args != nil {
			a = args(m)
		}
		v, err := exec.Call(ctx, addr, a...)
		if err != nil {
			return errors.Wrapf(err, "%s hook at %#x", name, addr)
		}
		if check && v == 0 {
			return errors.Errorf("%s hook at %#x returned 0", name, addr)
		}
		return nil
	}
}

// nativeHooks returns the lifecycle hooks named by a descriptor.
func nativeHooks(exec Executor, d descriptor) Hooks {
	return Hooks{
		Init: nativeHook(exec, "init", d.word(descInit), true, nil),
		Open: nativeHook(exec, "open", d.word(descOpen), true, nil),
		Close: nativeHook(exec, "close", d.word(descClose), false, func(m *Module) []uint32 {
			return []uint32{m.Descriptor()}
		}),
		Expunge: nativeHook(exec, "expunge", d.word(descExpunge), true, nil),
	}
}

// A FunctionTable is the table of exported function addresses following a
// dynamic module's descriptor.
type FunctionTable struct {
	words *memory.Region
	exec  Executor
}

// Len returns the number of words in the table.
func (t *FunctionTable) Len() int {
	return int(t.words.Size / 4)
}

// Entry returns the word at index i.
func (t *FunctionTable) Entry(i int) (uint32, error) {
	if i < 0 || i >= t.Len() {
		return 0, errors.Wrapf(memory.ErrOutOfRange, "function table index %d, table has %d entries", i, t.Len())
	}
	return t.words.Uint32(uint32(i) * 4)
}

// Call calls the function at index i.
func (t *FunctionTable) Call(ctx context.Context, i int, args ...uint32) (uint32, error) {
	addr, err := t.Entry(i)
	if err != nil {
		return 0, err
	}
	if addr == 0 {
		return 0, errors.Errorf("function table entry %d is empty", i)
	}
	if t.exec == nil {
		return 0, errNoExecutor
	}
	return t.exec.Call(ctx, addr, args...)
}
