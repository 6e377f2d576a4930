package manifest

import (
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"forgebuild/internal/logging"
)

// Index maps each project-relative path to its SymbolTable.
type Index struct {
	Files map[string]SymbolTable
}

// Builder owns the parser set and produces indexes over file sets.
type Builder struct {
	parsers map[string]SourceParser // keyed by extension
	log     *zap.Logger
}

// NewBuilder registers the given parsers. With none given it registers the
// Python parser, the only language the engine currently generates.
func NewBuilder(parsers ...SourceParser) *Builder {
	b := &Builder{
		parsers: make(map[string]SourceParser),
		log:     logging.L().Named("manifest"),
	}
	if len(parsers) == 0 {
		parsers = []SourceParser{NewPythonParser()}
	}
	for _, p := range parsers {
		for _, ext := range p.Extensions() {
			b.parsers[ext] = p
		}
	}
	return b
}

// Build indexes every file a registered parser covers. A file that fails to
// parse contributes an empty table; indexing never fails as a whole.
func (b *Builder) Build(files map[string]string) Index {
	idx := Index{Files: make(map[string]SymbolTable, len(files))}
	for path, content := range files {
		parser, ok := b.parsers[filepath.Ext(path)]
		if !ok {
			continue
		}
		table, err := parser.Parse([]byte(content))
		if err != nil {
			b.log.Warn("parse failed, recording empty symbol table",
				zap.String("file", path), zap.Error(err))
			table = SymbolTable{}
		}
		idx.Files[path] = table
	}
	return idx
}

// Lookup resolves a module name against the indexed files: "utils" and
// ".utils" both match utils.py at the project root, dotted paths map to
// nested files or package __init__.py.
func (idx Index) Lookup(module string) (string, SymbolTable, bool) {
	trimmed := strings.TrimLeft(module, ".")
	if trimmed == "" {
		return "", SymbolTable{}, false
	}
	base := strings.ReplaceAll(trimmed, ".", "/")
	for _, candidate := range []string{base + ".py", base + "/__init__.py"} {
		if t, ok := idx.Files[candidate]; ok {
			return candidate, t, true
		}
	}
	return "", SymbolTable{}, false
}
