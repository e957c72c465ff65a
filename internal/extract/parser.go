package extract

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
)

// node is an internal, source-decoupled mirror of a tree-sitter node.
type node struct {
	Type       string
	StartByte  uint32
	EndByte    uint32
	StartPoint point
	EndPoint   point
	Children   []*node
	HasError   bool
}

type point struct {
	Row    uint32
	Column uint32
}

// tree is a parsed file, independent of the tree-sitter library's own
// lifetime (the smacker bindings pin C memory to the *sitter.Tree; convertNode
// copies out everything extraction needs so that tree can be released).
type tree struct {
	Root     *node
	Source   []byte
	Language string
}

// parser wraps a tree-sitter parser bound to the process-wide LanguageRegistry.
type parser struct {
	p        *sitter.Parser
	registry *LanguageRegistry
}

func newParser(registry *LanguageRegistry) *parser {
	return &parser{p: sitter.NewParser(), registry: registry}
}

func (p *parser) close() {
	if p.p != nil {
		p.p.Close()
	}
}

func (p *parser) parse(ctx context.Context, source []byte, language string) (*tree, error) {
	grammar, ok := p.registry.grammarFor(language)
	if !ok {
		return nil, fmt.Errorf("unsupported language: %s", language)
	}
	p.p.SetLanguage(grammar)

	tsTree, err := p.p.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}
	if tsTree == nil {
		return nil, fmt.Errorf("parse source: nil tree")
	}

	root := convertNode(tsTree.RootNode())
	return &tree{Root: root, Source: source, Language: language}, nil
}

func convertNode(tsNode *sitter.Node) *node {
	if tsNode == nil {
		return nil
	}
	n := &node{
		Type:      tsNode.Type(),
		StartByte: tsNode.StartByte(),
		EndByte:   tsNode.EndByte(),
		StartPoint: point{
			Row:    tsNode.StartPoint().Row,
			Column: tsNode.StartPoint().Column,
		},
		EndPoint: point{
			Row:    tsNode.EndPoint().Row,
			Column: tsNode.EndPoint().Column,
		},
		HasError: tsNode.HasError(),
		Children: make([]*node, 0, int(tsNode.ChildCount())),
	}
	for i := uint32(0); i < tsNode.ChildCount(); i++ {
		if child := tsNode.Child(int(i)); child != nil {
			n.Children = append(n.Children, convertNode(child))
		}
	}
	return n
}

func (n *node) content(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

func (n *node) firstChildOfType(nodeType string) *node {
	for _, c := range n.Children {
		if c.Type == nodeType {
			return c
		}
	}
	return nil
}

// walk traverses the tree depth-first, calling fn for each node until fn
// returns false for a subtree.
func (n *node) walk(fn func(*node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.walk(fn)
	}
}
