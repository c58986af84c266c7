// Command mld translates an ELF relocatable object into a kernel module file.
//
//	mld [-v] [-v] -o DEST-FILE MODNAME SOURCE-FILE
//
// The object is expected to define MODNAME_module, the module descriptor.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"moria.us/mld/elfobj"
	"moria.us/mld/log"
	"moria.us/mld/translate"
)

func writeOutput(name string, write func(fp *os.File) error) error {
	fp, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := write(fp); err != nil {
		fp.Close()
		os.Remove(name)
		return err
	}
	if err := fp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func mainE() error {
	var output string
	var verbosity int
	pflag.StringVarP(&output, "output", "o", "", "Output file")
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity")
	pflag.Parse()
	if output == "" {
		return errors.New("flag -output is required")
	}
	args := pflag.Args()
	if len(args) != 2 {
		return fmt.Errorf("got %d arguments, expected 2 (MODNAME SOURCE-FILE)", len(args))
	}
	name, input := args[0], args[1]
	log.SetVerbosity(verbosity)

	obj, err := elfobj.Open(input)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	defer obj.Close()
	img, err := translate.New().Translate(obj, name)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	err = writeOutput(output, func(fp *os.File) error {
		_, err := img.WriteTo(fp)
		return err
	})
	if err != nil {
		return err
	}
	log.L.Info("written module file", "module", name, "output", output,
		"text", img.Header.Text.Size, "rodata", img.Header.Rodata.Size,
		"data", img.Header.Data.Size, "bss", img.Header.BSSSize)
	return nil
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
