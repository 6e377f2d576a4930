// Package validate cross-checks a project's imports and configuration
// references against its symbol index before any code is executed.
package validate

import (
	"fmt"
	"sort"

	"forgebuild/internal/manifest"
)

// Kind labels what a violation is about.
type Kind string

const (
	// KindMissingImport is a relative from-import of a module the project
	// does not contain.
	KindMissingImport Kind = "missing-import"
	// KindMissingExport is a from-import of a name a sibling module does
	// not export.
	KindMissingExport Kind = "missing-export"
	// KindMissingAttr is a config.X reference the config module does not
	// declare.
	KindMissingAttr Kind = "missing-attr"
)

// Violation is one statically detected inconsistency. Available carries the
// names the source of truth actually offers, so a patch prompt can steer the
// model toward something that exists.
type Violation struct {
	File      string
	Line      int
	Kind      Kind
	Missing   string
	Source    string
	Available []string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d: %s: %q (source %s, available: %v)",
		v.File, v.Line, v.Kind, v.Missing, v.Source, v.Available)
}

// Check runs every static check over the index. It is pure and idempotent:
// the same index always yields the same violations, in deterministic order.
func Check(idx manifest.Index) []Violation {
	var out []Violation

	files := make([]string, 0, len(idx.Files))
	for f := range idx.Files {
		files = append(files, f)
	}
	sort.Strings(files)

	for _, file := range files {
		table := idx.Files[file]
		out = append(out, checkImports(idx, file, table)...)
	}
	out = append(out, checkConfigRefs(idx, files)...)
	return out
}

// checkImports verifies from-imports that target modules inside the project.
// Imports that resolve to nothing and are not relative are assumed to be
// third-party and left alone.
func checkImports(idx manifest.Index, file string, table manifest.SymbolTable) []Violation {
	var out []Violation
	for _, imp := range table.Imports {
		if !imp.From || imp.Wildcard {
			continue
		}
		srcFile, srcTable, ok := idx.Lookup(imp.Module)
		if !ok {
			if imp.Relative {
				out = append(out, Violation{
					File:    file,
					Line:    imp.Line,
					Kind:    KindMissingImport,
					Missing: imp.Module,
				})
			}
			continue
		}
		if srcFile == file {
			continue
		}
		for _, name := range imp.Names {
			if srcTable.HasExport(name) {
				continue
			}
			out = append(out, Violation{
				File:      file,
				Line:      imp.Line,
				Kind:      KindMissingExport,
				Missing:   name,
				Source:    srcFile,
				Available: srcTable.Exports(),
			})
		}
	}
	return out
}

// checkConfigRefs verifies config.X references against the project's config
// module: its module-level surface plus the attributes of a Config or
// Settings class if one exists. Projects without a config module skip this
// check entirely.
func checkConfigRefs(idx manifest.Index, files []string) []Violation {
	cfgFile, cfgTable, ok := idx.Lookup("config")
	if !ok {
		return nil
	}

	available := map[string]bool{}
	for _, name := range cfgTable.Exports() {
		available[name] = true
	}
	for _, className := range []string{"Config", "Settings"} {
		if c, ok := cfgTable.Class(className); ok {
			for _, a := range c.Attrs {
				available[a] = true
			}
		}
	}

	names := make([]string, 0, len(available))
	for n := range available {
		names = append(names, n)
	}
	sort.Strings(names)

	var out []Violation
	for _, file := range files {
		if file == cfgFile {
			continue
		}
		table := idx.Files[file]
		if !importsConfig(table) {
			continue
		}
		for _, ref := range table.AttrRefs {
			if ref.Object != "config" || available[ref.Attr] {
				continue
			}
			out = append(out, Violation{
				File:      file,
				Line:      ref.Line,
				Kind:      KindMissingAttr,
				Missing:   ref.Attr,
				Source:    cfgFile,
				Available: names,
			})
		}
	}
	return out
}

func importsConfig(table manifest.SymbolTable) bool {
	for _, imp := range table.Imports {
		if !imp.From && (imp.Module == "config" || imp.Module == ".config") {
			return true
		}
	}
	return false
}
