package manifest

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PythonParser extracts symbols from Python source using Tree-sitter. It is
// not safe for concurrent use; the index parses files sequentially.
type PythonParser struct {
	parser *sitter.Parser
}

// NewPythonParser creates a Python parser.
func NewPythonParser() *PythonParser {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &PythonParser{parser: parser}
}

// Language returns "python".
func (p *PythonParser) Language() string {
	return "python"
}

// Extensions returns [".py", ".pyw"].
func (p *PythonParser) Extensions() []string {
	return []string{".py", ".pyw"}
}

// Parse extracts the SymbolTable for one file. Tree-sitter produces a tree
// even for broken source, so errors are rare; the caller treats any error
// as an empty table.
func (p *PythonParser) Parse(content []byte) (SymbolTable, error) {
	tree, err := p.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return SymbolTable{}, err
	}
	defer tree.Close()

	var t SymbolTable
	root := tree.RootNode()
	p.walkModule(root, content, &t)
	p.collectAttrRefs(root, content, &t)
	return t, nil
}

func nodeText(n *sitter.Node, content []byte) string {
	return string(content[n.StartByte():n.EndByte()])
}

func lineOf(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

// walkModule handles top-level statements only; nested defs are deliberately
// not part of a file's surface.
func (p *PythonParser) walkModule(root *sitter.Node, content []byte, t *SymbolTable) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "function_definition":
			if name := child.ChildByFieldName("name"); name != nil {
				t.Functions = append(t.Functions, nodeText(name, content))
			}
		case "class_definition":
			t.Classes = append(t.Classes, p.parseClass(child, content))
		case "decorated_definition":
			p.walkDecorated(child, content, t)
		case "expression_statement":
			p.parseAssignment(child, content, t)
		case "import_statement":
			p.parseImport(child, content, t)
		case "import_from_statement":
			p.parseFromImport(child, content, t)
		}
	}
}

func (p *PythonParser) walkDecorated(node *sitter.Node, content []byte, t *SymbolTable) {
	for j := 0; j < int(node.NamedChildCount()); j++ {
		inner := node.NamedChild(j)
		switch inner.Type() {
		case "function_definition":
			if name := inner.ChildByFieldName("name"); name != nil {
				t.Functions = append(t.Functions, nodeText(name, content))
			}
		case "class_definition":
			t.Classes = append(t.Classes, p.parseClass(inner, content))
		}
	}
}

func (p *PythonParser) parseClass(node *sitter.Node, content []byte) Class {
	c := Class{}
	if name := node.ChildByFieldName("name"); name != nil {
		c.Name = nodeText(name, content)
	}
	body := node.ChildByFieldName("body")
	if body == nil {
		return c
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		switch stmt.Type() {
		case "function_definition":
			if name := stmt.ChildByFieldName("name"); name != nil {
				c.Methods = append(c.Methods, nodeText(name, content))
			}
		case "decorated_definition":
			for j := 0; j < int(stmt.NamedChildCount()); j++ {
				if inner := stmt.NamedChild(j); inner.Type() == "function_definition" {
					if name := inner.ChildByFieldName("name"); name != nil {
						c.Methods = append(c.Methods, nodeText(name, content))
					}
				}
			}
		case "expression_statement":
			if assign := firstChildOfType(stmt, "assignment"); assign != nil {
				if left := assign.ChildByFieldName("left"); left != nil && left.Type() == "identifier" {
					c.Attrs = append(c.Attrs, nodeText(left, content))
				}
			}
		}
	}
	return c
}

// parseAssignment records top-level variable names and the __all__ export
// list when present.
func (p *PythonParser) parseAssignment(stmt *sitter.Node, content []byte, t *SymbolTable) {
	assign := firstChildOfType(stmt, "assignment")
	if assign == nil {
		return
	}
	left := assign.ChildByFieldName("left")
	if left == nil || left.Type() != "identifier" {
		return
	}
	name := nodeText(left, content)
	if name == "__all__" {
		t.ExportsAll = parseStringList(assign.ChildByFieldName("right"), content)
		if t.ExportsAll == nil {
			t.ExportsAll = []string{}
		}
		return
	}
	t.Variables = append(t.Variables, name)
}

func (p *PythonParser) parseImport(stmt *sitter.Node, content []byte, t *SymbolTable) {
	for i := 0; i < int(stmt.NamedChildCount()); i++ {
		child := stmt.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			t.Imports = append(t.Imports, Import{
				Module: nodeText(child, content),
				Line:   lineOf(stmt),
			})
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				t.Imports = append(t.Imports, Import{
					Module: nodeText(name, content),
					Line:   lineOf(stmt),
				})
			}
		}
	}
}

func (p *PythonParser) parseFromImport(stmt *sitter.Node, content []byte, t *SymbolTable) {
	imp := Import{From: true, Line: lineOf(stmt)}

	module := stmt.ChildByFieldName("module_name")
	if module != nil {
		imp.Module = nodeText(module, content)
		imp.Relative = strings.HasPrefix(imp.Module, ".")
	}

	for i := 0; i < int(stmt.NamedChildCount()); i++ {
		child := stmt.NamedChild(i)
		if module != nil && child.StartByte() == module.StartByte() {
			continue
		}
		switch child.Type() {
		case "dotted_name", "identifier":
			imp.Names = append(imp.Names, nodeText(child, content))
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				imp.Names = append(imp.Names, nodeText(name, content))
			}
		case "wildcard_import":
			imp.Wildcard = true
		}
	}

	t.Imports = append(t.Imports, imp)
}

// collectAttrRefs walks the whole tree for attribute accesses on a bare
// identifier, e.g. config.TIMEOUT. Chained accesses are skipped.
func (p *PythonParser) collectAttrRefs(node *sitter.Node, content []byte, t *SymbolTable) {
	if node.Type() == "attribute" {
		obj := node.ChildByFieldName("object")
		attr := node.ChildByFieldName("attribute")
		if obj != nil && attr != nil && obj.Type() == "identifier" {
			t.AttrRefs = append(t.AttrRefs, AttrRef{
				Object: nodeText(obj, content),
				Attr:   nodeText(attr, content),
				Line:   lineOf(node),
			})
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		p.collectAttrRefs(node.NamedChild(i), content, t)
	}
}

func firstChildOfType(node *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if child := node.NamedChild(i); child.Type() == typ {
			return child
		}
	}
	return nil
}

// parseStringList reads a list or tuple of string literals, tolerating
// anything else by returning what it could extract.
func parseStringList(node *sitter.Node, content []byte) []string {
	if node == nil {
		return nil
	}
	if node.Type() != "list" && node.Type() != "tuple" {
		return nil
	}
	var out []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "string" {
			continue
		}
		out = append(out, strings.Trim(nodeText(child, content), `"'`))
	}
	return out
}
