// Command mdump prints the contents of module files.
//
//	mdump [-d] [--raw] FILE...
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"moria.us/mld/module"
)

func mainE() error {
	var hexdump, raw bool
	pflag.BoolVarP(&hexdump, "dump", "d", false, "Dump section contents")
	pflag.BoolVar(&raw, "raw", false, "Print decoded structures verbatim")
	pflag.Parse()
	args := pflag.Args()
	if len(args) == 0 {
		return fmt.Errorf("got no arguments, expected at least one FILE")
	}
	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, name := range args {
		img, err := module.Open(name)
		if err != nil {
			return err
		}
		if len(args) > 1 {
			fmt.Fprintf(w, "%s:\n", name)
		}
		if raw {
			spew.Fdump(w, img.Header, img.Relocs)
			continue
		}
		img.DumpText(w, "", hexdump)
	}
	return w.Flush()
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
