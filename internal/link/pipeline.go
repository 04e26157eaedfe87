package link

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/xyproto/l67/internal/engine"
)

// Stage is one step of a complete link
type Stage int

const (
	StageInit Stage = iota
	StageLoad
	StageDynamic
	StageClassify
	StageLayout
	StageReloc
	StageAsmb
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageInit:
		return "Initialization"
	case StageLoad:
		return "Object Loading"
	case StageDynamic:
		return "Dynamic Imports and Exports"
	case StageClassify:
		return "Relocation Classification"
	case StageLayout:
		return "Address Assignment"
	case StageReloc:
		return "Relocation Patching"
	case StageAsmb:
		return "Image Assembly"
	case StageComplete:
		return "Link Complete"
	default:
		return fmt.Sprintf("Unknown Stage %d", int(s))
	}
}

// StageError reports the stage a link failed in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Run links the object files in inputs into output. The context is checked
// between stages only; a stage that has started always completes.
func (l *Link) Run(ctx context.Context, inputs []string, output string) error {
	stages := []struct {
		stage Stage
		run   func() error
	}{
		{StageLoad, func() error { return l.loadInputs(inputs) }},
		{StageDynamic, func() error { l.applyDynamic(); return nil }},
		{StageClassify, func() error {
			l.DoElf()
			l.ClassifyRelocs()
			l.finishDynamic()
			return nil
		}},
		{StageLayout, func() error { l.Layout(); return nil }},
		{StageReloc, func() error { l.RelocSym(); return nil }},
		{StageAsmb, func() error { return l.writeImage(output) }},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Stage: st.stage, Err: err}
		}
		l.Logf("stage: %s\n", st.stage)
		if err := st.run(); err != nil {
			return &StageError{Stage: st.stage, Err: err}
		}
	}
	l.Logf("stage: %s\n", StageComplete)
	return nil
}

func (l *Link) loadInputs(inputs []string) error {
	for _, pn := range inputs {
		f, err := os.Open(pn)
		if err != nil {
			return err
		}
		err = l.LoadELF(f, pn)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// applyDynamic marks the configured imports and exports and registers the
// configured libraries
func (l *Link) applyDynamic() {
	for _, imp := range l.DynImports {
		s := l.Lookup(imp.Name)
		s.Type = SDYNIMPORT
		s.DynImpName = imp.ImpName
		if s.DynImpName == "" {
			s.DynImpName = imp.Name
		}
		s.DynImpLib = imp.Lib
		if l.HeadType == engine.Hdarwin && imp.Lib != "" {
			l.AddDynLib(imp.Lib)
		}
	}

	exports := make([]*Symbol, 0, len(l.DynExports))
	for _, name := range l.DynExports {
		s := l.ROLookup(name)
		if s == nil || s.Type == Sxxx || s.Type == SXREF {
			l.Errorf(CategoryInconsistentSymbol, "dynexport: undefined symbol %s", name)
			continue
		}
		s.CgoExport |= CgoExportDynamic
		if s.DynImpName == "" {
			s.DynImpName = name
		}
		exports = append(exports, s)
	}

	// Mach-O wants the exports first and sorted by name
	if l.HeadType == engine.Hdarwin {
		sort.Slice(exports, func(i, j int) bool {
			return exports[i].DynImpName < exports[j].DynImpName
		})
		l.NDynExp = len(exports)
		for i, s := range exports {
			PreassignDynID(s, i)
		}
	}
	for _, s := range exports {
		l.AddDynSym(s)
	}

	for _, lib := range l.DynLibs {
		l.AddDynLib(lib)
	}
}

func (l *Link) writeImage(output string) error {
	out, err := CreateOutBuf(output)
	if err != nil {
		return err
	}
	if err := l.Asmb(out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
