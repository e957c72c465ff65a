package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxContextBytes bounds context_before/context_after.
const maxContextBytes = 512

// ObjectExtractor turns one file's bytes into the finite ordered list of
// Objects its grammar declares. An unsupported language yields zero objects
// and a nil error; a parse failure returns an error, which the Indexer logs
// before cataloguing the file with zero objects.
type ObjectExtractor struct {
	registry *LanguageRegistry
}

// NewObjectExtractor builds an ObjectExtractor bound to the default,
// process-wide LanguageRegistry.
func NewObjectExtractor() *ObjectExtractor {
	return &ObjectExtractor{registry: DefaultRegistry()}
}

// LanguageForPath resolves path's extension to a registered language tag.
// The second return is false for unrecognized extensions; the Indexer
// still catalogues such a path, with zero objects.
func (e *ObjectExtractor) LanguageForPath(path string) (string, bool) {
	ext := path
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		ext = path[idx:]
	} else {
		return "", false
	}
	return e.registry.LanguageForExtension(ext)
}

// Extract parses source and returns the Objects it declares. A nil/empty
// return with a nil error means the source is empty, the language is
// unsupported, or no named declaration was found. A parse failure returns a
// non-nil error; callers still catalogue the path with zero objects.
func (e *ObjectExtractor) Extract(ctx context.Context, path string, source []byte, language string) ([]Object, error) {
	if len(source) == 0 {
		return nil, nil
	}

	config, ok := e.registry.configFor(language)
	if !ok {
		return nil, nil
	}

	p := newParser(e.registry)
	defer p.close()

	t, err := p.parse(ctx, source, language)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var objects []Object
	t.Root.walk(func(n *node) bool {
		kind, matched := classify(n, config)
		if !matched {
			return true
		}

		name := extractName(n, t.Source, language)
		if name == "" {
			return true
		}

		start, end := expandForDocComment(n.StartByte, n.EndByte, t.Source, language)
		contextBefore := sliceContextBefore(t.Source, start)
		contextAfter := sliceContextAfter(t.Source, end)
		startLine, startCol := linePosition(t.Source, start)
		endLine, endCol := linePosition(t.Source, end)

		obj := Object{
			ID:       objectID(path, string(kind), name, start),
			Path:     path,
			Name:     name,
			Language: language,
			Kind:     kind,
			ByteRange: ByteRange{
				Start: start,
				End:   end,
			},
			Coordinates: Coordinates{
				StartLine: startLine,
				StartCol:  startCol,
				EndLine:   endLine,
				EndCol:    endCol,
			},
			ContextBefore: contextBefore,
			ContextAfter:  contextAfter,
		}
		objects = append(objects, obj)
		return true
	})

	return objects, nil
}

// classify reports the Kind of n per config, and false if n is not a
// symbol-defining node. Go's type_declaration is special-cased: its node
// type alone doesn't distinguish struct/interface/alias, so the type_spec's
// child node type decides.
func classify(n *node, config *LanguageConfig) (Kind, bool) {
	switch {
	case contains(config.FunctionTypes, n.Type):
		return KindFunction, true
	case contains(config.MethodTypes, n.Type):
		return KindMethod, true
	case contains(config.ClassTypes, n.Type):
		return KindClass, true
	case contains(config.StructTypes, n.Type):
		return KindStruct, true
	case contains(config.InterfaceTypes, n.Type):
		return KindInterface, true
	case contains(config.ConstantTypes, n.Type):
		return KindConstant, true
	case contains(config.VariableTypes, n.Type):
		return KindVariable, true
	case contains(config.TypeAliasTypes, n.Type):
		if config.Name == "go" {
			return classifyGoTypeDeclaration(n), true
		}
		return KindTypeAlias, true
	}
	return "", false
}

// classifyGoTypeDeclaration inspects a Go type_declaration's type_spec to
// decide whether it names a struct, an interface, or a plain alias.
func classifyGoTypeDeclaration(n *node) Kind {
	spec := n.firstChildOfType("type_spec")
	if spec == nil {
		return KindTypeAlias
	}
	for _, child := range spec.Children {
		switch child.Type {
		case "struct_type":
			return KindStruct
		case "interface_type":
			return KindInterface
		}
	}
	return KindTypeAlias
}

func contains(types []string, t string) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// extractName finds a declaration node's identifier per its grammar's
// naming convention. An empty result means the object is anonymous and
// should be skipped (e.g. an unnamed function expression).
func extractName(n *node, source []byte, language string) string {
	switch language {
	case "go":
		return extractGoName(n, source)
	case "typescript", "tsx", "javascript", "jsx":
		return extractJSFamilyName(n, source)
	case "python":
		return extractPythonName(n, source)
	default:
		for _, c := range n.Children {
			if c.Type == "identifier" {
				return c.content(source)
			}
		}
		return ""
	}
}

func extractGoName(n *node, source []byte) string {
	switch n.Type {
	case "function_declaration":
		if c := n.firstChildOfType("identifier"); c != nil {
			return c.content(source)
		}
	case "method_declaration":
		if c := n.firstChildOfType("field_identifier"); c != nil {
			return c.content(source)
		}
	case "type_declaration":
		if spec := n.firstChildOfType("type_spec"); spec != nil {
			if c := spec.firstChildOfType("type_identifier"); c != nil {
				return c.content(source)
			}
		}
	case "const_declaration", "var_declaration":
		specType := "const_spec"
		if n.Type == "var_declaration" {
			specType = "var_spec"
		}
		if spec := n.firstChildOfType(specType); spec != nil {
			if c := spec.firstChildOfType("identifier"); c != nil {
				return c.content(source)
			}
		}
	}
	return ""
}

func extractJSFamilyName(n *node, source []byte) string {
	switch n.Type {
	case "function_declaration", "class_declaration", "method_definition",
		"interface_declaration", "type_alias_declaration":
		if c := n.firstChildOfType("property_identifier"); c != nil {
			return c.content(source)
		}
		if c := n.firstChildOfType("identifier"); c != nil {
			return c.content(source)
		}
		if c := n.firstChildOfType("type_identifier"); c != nil {
			return c.content(source)
		}
	case "lexical_declaration", "variable_declaration":
		if decl := n.firstChildOfType("variable_declarator"); decl != nil {
			if c := decl.firstChildOfType("identifier"); c != nil {
				return c.content(source)
			}
		}
	}
	return ""
}

func extractPythonName(n *node, source []byte) string {
	switch n.Type {
	case "function_definition", "class_definition":
		if c := n.firstChildOfType("identifier"); c != nil {
			return c.content(source)
		}
	case "assignment":
		if c := n.firstChildOfType("identifier"); c != nil {
			return c.content(source)
		}
	}
	return ""
}

// commentPrefix returns the single-line comment marker for language, or ""
// if the language has no line-comment syntax recognized here.
func commentPrefix(language string) string {
	switch language {
	case "go", "typescript", "tsx", "javascript", "jsx":
		return "//"
	case "python":
		return "#"
	default:
		return ""
	}
}

// expandForDocComment grows [start, end) backward over immediately adjacent
// leading comment lines (no blank line between the comment and the
// declaration), matching the "doc-comments adjacent with no blank line"
// extraction rule.
func expandForDocComment(start, end uint32, source []byte, language string) (uint32, uint32) {
	prefix := commentPrefix(language)
	if prefix == "" {
		return start, end
	}

	lineStart := lineStartAt(source, int(start))
	pos := lineStart - 1 // one byte before the declaration's own line

	newStart := int(start)
	for pos > 0 {
		prevLineStart := lineStartAt(source, pos)
		prevLine := strings.TrimSpace(string(source[prevLineStart:pos]))
		if strings.HasPrefix(prevLine, prefix) {
			newStart = prevLineStart
			pos = prevLineStart - 1
			continue
		}
		break
	}

	return uint32(newStart), end
}

func lineStartAt(source []byte, pos int) int {
	for pos > 0 && source[pos-1] != '\n' {
		pos--
	}
	return pos
}

func sliceContextBefore(source []byte, start uint32) []byte {
	from := int(start) - maxContextBytes
	if from < 0 {
		from = 0
	}
	// Snap forward to the next line start so the bound still holds.
	for from > 0 && from < int(start) && source[from-1] != '\n' {
		from++
	}
	if from >= int(start) {
		return nil
	}
	return append([]byte(nil), source[from:start]...)
}

func sliceContextAfter(source []byte, end uint32) []byte {
	to := int(end) + maxContextBytes
	if to >= len(source) {
		to = len(source)
	} else {
		// Snap back to the previous line end so the bound still holds.
		for to > int(end) && source[to] != '\n' {
			to--
		}
	}
	if to <= int(end) {
		return nil
	}
	return append([]byte(nil), source[end:to]...)
}

func lineEndAt(source []byte, pos int) int {
	for pos < len(source) && source[pos] != '\n' {
		pos++
	}
	return pos
}

// linePosition computes a 0-based (line, column) pair for a byte offset,
// counting columns in runes so multi-byte UTF-8 identifiers land on the
// right column.
func linePosition(source []byte, offset uint32) (line, col int) {
	pos := int(offset)
	if pos > len(source) {
		pos = len(source)
	}
	for i := 0; i < pos; i++ {
		if source[i] == '\n' {
			line++
		}
	}
	lineStart := lineStartAt(source, pos)
	col = utf8.RuneCount(source[lineStart:pos])
	return line, col
}

func objectID(path, kind, name string, start uint32) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", start)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
