package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"github.com/xyproto/l67/internal/engine"
	"github.com/xyproto/l67/internal/link"
)

// ErrLinkFailed is returned when the link recorded diagnostics
var ErrLinkFailed = errors.New("link failed")

// linkFlags holds the command line of one link. Defaults come from the
// L67_* environment variables.
type linkFlags struct {
	head      string
	target    string
	output    string
	entry     string
	initText  int64
	initDat   int64
	initRnd   int64
	interp    string
	strip     bool
	obj       bool
	shared    bool
	verbose   bool
	noColor   bool
	maxErrors int

	dynImports []string
	dynExports []string
	dynLibs    []string
}

func newRootCmd() *cobra.Command {
	f := &linkFlags{}

	cmd := &cobra.Command{
		Use:          "l67 [flags] <object.o>...",
		Short:        "Link amd64 ELF objects into a plan9, ELF, Mach-O or PE executable",
		Version:      versionString,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}

			l := link.NewLink(opts)
			runErr := l.Run(cmd.Context(), args, f.output)
			if l.Diag.HasErrors() {
				fmt.Fprint(cmd.ErrOrStderr(), l.Diag.Report(f.useColor()))
			}
			if runErr != nil {
				return runErr
			}
			if l.Diag.HasErrors() {
				return fmt.Errorf("%w: %d errors", ErrLinkFailed, l.Diag.Count())
			}
			if f.verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s)\n", f.output, opts.HeadType)
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.head, "head", "H", env.Str("L67_HEADTYPE"), "header type ("+strings.Join(engine.HeadTypeNames(), ", ")+")")
	fl.StringVar(&f.target, "target", "", "target platform (e.g. amd64-linux, amd64-darwin); sets the header type")
	fl.StringVarP(&f.output, "output", "o", env.Str("L67_OUTPUT", "6.out"), "output file")
	fl.StringVarP(&f.entry, "entry", "E", env.Str("L67_ENTRY", "_rt0_amd64"), "entry symbol or address")
	fl.Int64VarP(&f.initText, "text", "T", -1, "text segment address")
	fl.Int64VarP(&f.initDat, "data", "D", -1, "data segment address")
	fl.Int64VarP(&f.initRnd, "round", "R", int64(env.Int("L67_INITRND", -1)), "segment rounding")
	fl.StringVarP(&f.interp, "interp", "I", "", "ELF interpreter path")
	fl.BoolVarP(&f.strip, "strip", "s", false, "do not emit the symbol table")
	fl.BoolVar(&f.obj, "obj", false, "emit relocations for an incremental link")
	fl.BoolVar(&f.shared, "shared", false, "emit R_X86_64_RELATIVE entries for data pointers")
	fl.BoolVarP(&f.verbose, "verbose", "v", env.Bool("L67_VERBOSE"), "print progress to stderr")
	fl.BoolVar(&f.noColor, "no-color", false, "do not color diagnostics")
	fl.IntVar(&f.maxErrors, "max-errors", 0, "print at most this many diagnostics (0 for all)")
	fl.StringArrayVar(&f.dynImports, "dynimport", nil, "resolve a symbol at load time: name[:impname][=lib]")
	fl.StringArrayVar(&f.dynExports, "dynexport", nil, "export a symbol to the dynamic loader")
	fl.StringArrayVar(&f.dynLibs, "dynlib", nil, "record a shared library dependency")

	return cmd
}

// headType picks the header type from -H, then --target, then the host OS
func (f *linkFlags) headType() (engine.HeadType, error) {
	if f.head != "" {
		return engine.ParseHeadType(f.head)
	}
	target := f.target
	if target == "" {
		target = "amd64-" + runtime.GOOS
	}
	p, err := engine.ParsePlatform(target)
	if err != nil {
		return engine.Hunknown, err
	}
	if p.Arch.PtrSize() != link.PtrSize {
		return engine.Hunknown, fmt.Errorf("unsupported architecture: %s", p.Arch)
	}
	return p.HeadType(), nil
}

func (f *linkFlags) options() (link.Options, error) {
	h, err := f.headType()
	if err != nil {
		return link.Options{}, err
	}

	opts := link.DefaultOptions()
	opts.HeadType = h
	opts.InitText = f.initText
	opts.InitDat = f.initDat
	opts.InitRnd = f.initRnd
	opts.InitEntry = f.entry
	opts.Interpreter = f.interp
	opts.SuppressSymbols = f.strip
	opts.IsObj = f.obj
	opts.Shared = f.shared
	opts.Verbose = f.verbose
	opts.MaxErrors = f.maxErrors
	opts.DynExports = f.dynExports
	opts.DynLibs = f.dynLibs

	for _, spec := range f.dynImports {
		imp, err := parseDynImport(spec)
		if err != nil {
			return link.Options{}, err
		}
		opts.DynImports = append(opts.DynImports, imp)
	}
	return opts, nil
}

// parseDynImport parses name[:impname][=lib]
func parseDynImport(spec string) (link.DynImport, error) {
	var imp link.DynImport
	names, lib, _ := strings.Cut(spec, "=")
	imp.Lib = lib
	imp.Name, imp.ImpName, _ = strings.Cut(names, ":")
	if imp.Name == "" {
		return imp, fmt.Errorf("invalid --dynimport %q: missing symbol name", spec)
	}
	return imp, nil
}

func (f *linkFlags) useColor() bool {
	if f.noColor || env.Has("NO_COLOR") || env.Str("TERM") == "dumb" {
		return false
	}
	fi, err := os.Stderr.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
