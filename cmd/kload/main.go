// Command kload boots a simulated kernel over a module library and loads
// modules from it.
//
//	kload (--root DIR | --tar IMAGE) [--no-exec] MODNAME...
//
// Module files are looked up as $MODLIB/MODNAME.module, where MODLIB
// defaults to /lib.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/xyproto/env/v2"

	"moria.us/mld/fs"
	"moria.us/mld/kernel"
	"moria.us/mld/log"
)

func mainE() error {
	var root, image string
	var noExec, expunge bool
	var verbosity int
	pflag.StringVarP(&root, "root", "r", "", "host directory to serve module files from")
	pflag.StringVarP(&image, "tar", "t", "", "tar image to serve module files from")
	pflag.BoolVar(&noExec, "no-exec", false, "treat every module hook as succeeding")
	pflag.BoolVarP(&expunge, "expunge", "x", false, "close and expunge the modules after loading")
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity")
	pflag.Parse()
	log.SetVerbosity(verbosity)

	var files fs.FileService
	switch {
	case root != "" && image != "":
		return errors.New("flags -root and -tar are exclusive")
	case root != "":
		h, err := fs.NewHostFS(root)
		if err != nil {
			return err
		}
		files = h
	case image != "":
		m, err := fs.OpenTarFS(image)
		if err != nil {
			return err
		}
		files = m
	default:
		return errors.New("one of -root or -tar is required")
	}
	names := pflag.Args()
	if len(names) == 0 {
		return errors.New("got no arguments, expected at least one MODNAME")
	}

	cfg := kernel.Config{
		Files:  files,
		LibDir: env.Str("MODLIB", kernel.DefaultLibDir),
		L:      log.L.Named("kernel"),
	}
	if noExec {
		cfg.Exec = kernel.SucceedExecutor
	}
	k, err := kernel.New(cfg)
	if err != nil {
		return err
	}
	defer k.Close()

	ctx := context.Background()
	var mods []*kernel.Module
	for _, name := range names {
		m, err := k.OpenModule(ctx, name, kernel.SysVersion)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		mods = append(mods, m)
	}
	if err := k.Registry.Describe(os.Stdout); err != nil {
		return err
	}
	if !expunge {
		return nil
	}
	for i := len(mods) - 1; i >= 0; i-- {
		m := mods[i]
		if err := k.CloseModule(ctx, m); err != nil {
			return err
		}
		if err := k.ExpungeModule(ctx, m.Name); err != nil {
			return fmt.Errorf("%s: %w", m.Name, err)
		}
	}
	fmt.Println()
	return k.Registry.Describe(os.Stdout)
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
