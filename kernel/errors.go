package kernel

import (
	"github.com/pkg/errors"

	"moria.us/mld/module"
)

// Load errors.
var (
	// ErrFormat is the cause of errors from malformed module files.
	ErrFormat          = module.ErrFormat
	ErrIO              = errors.New("module file read failed")
	ErrAllocation      = errors.New("cannot allocate module memory")
	ErrRelocationRange = errors.New("relocation out of range")
	ErrInit            = errors.New("module initialization failed")
)

// Registry errors.
var (
	ErrNotFound       = errors.New("module not found")
	ErrDuplicate      = errors.New("module already loaded")
	ErrInitializing   = errors.New("module is initializing")
	ErrInUse          = errors.New("module is in use")
	ErrNotOpen        = errors.New("module is not open")
	ErrOpenRefused    = errors.New("module refused open")
	ErrExpungeRefused = errors.New("module refused expunge")
)
