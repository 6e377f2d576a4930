// Package manifest builds a per-file symbol index over a generated project
// so the validation gate can cross-check imports before anything runs.
package manifest

import "sort"

// SourceParser extracts a SymbolTable from one source file. Implementations
// declare which language and extensions they cover; the index picks the
// parser by extension.
type SourceParser interface {
	Language() string
	Extensions() []string
	Parse(content []byte) (SymbolTable, error)
}

// Import is one import statement, from-imports included.
type Import struct {
	Module   string   // as written: "utils", ".helpers", "os.path"
	Names    []string // imported names for from-imports, nil otherwise
	Line     int
	From     bool // from X import ...
	Relative bool // leading dot
	Wildcard bool // from X import *
}

// Class is a class definition with its method and class-attribute names.
type Class struct {
	Name    string
	Methods []string
	Attrs   []string
}

// AttrRef is a qualified attribute reference like config.TIMEOUT, recorded
// so configuration usage can be checked against the declaring class.
type AttrRef struct {
	Object string
	Attr   string
	Line   int
}

// SymbolTable is everything the gate needs to know about one file. A file
// that failed to parse gets the zero value.
type SymbolTable struct {
	Functions  []string
	Classes    []Class
	Variables  []string
	Imports    []Import
	ExportsAll []string // non-nil when __all__ is declared
	AttrRefs   []AttrRef
}

// Exports returns the file's exported surface: the __all__ list verbatim
// when declared, otherwise every top-level function, class, and variable.
func (t SymbolTable) Exports() []string {
	if t.ExportsAll != nil {
		out := make([]string, len(t.ExportsAll))
		copy(out, t.ExportsAll)
		sort.Strings(out)
		return out
	}
	out := make([]string, 0, len(t.Functions)+len(t.Classes)+len(t.Variables))
	out = append(out, t.Functions...)
	for _, c := range t.Classes {
		out = append(out, c.Name)
	}
	out = append(out, t.Variables...)
	sort.Strings(out)
	return out
}

// HasExport reports whether name is part of the exported surface.
func (t SymbolTable) HasExport(name string) bool {
	for _, e := range t.Exports() {
		if e == name {
			return true
		}
	}
	return false
}

// Class returns the named class and whether it exists.
func (t SymbolTable) Class(name string) (Class, bool) {
	for _, c := range t.Classes {
		if c.Name == name {
			return c, true
		}
	}
	return Class{}, false
}
