// Package extract implements ObjectExtractor: a grammar-driven parse of a
// single file's bytes into the finite ordered list of Objects it declares.
package extract

import "crypto/sha256"

// Kind is the per-language-normalized declaration kind.
type Kind string

const (
	KindFunction    Kind = "function"
	KindMethod      Kind = "method"
	KindClass       Kind = "class"
	KindStruct      Kind = "struct"
	KindInterface   Kind = "interface"
	KindVariable    Kind = "variable"
	KindConstant    Kind = "constant"
	KindTypeAlias   Kind = "type_alias"
)

// Coordinates is a 0-based line/column position pair derived from byte
// offsets.
type Coordinates struct {
	StartLine int
	StartCol  int
	EndLine   int
	EndCol    int
}

// ByteRange is a half-open [Start, End) span into a file's bytes.
type ByteRange struct {
	Start uint32
	End   uint32
}

// Object is a named code structure extracted from a parse tree.
type Object struct {
	ID            string
	Path          string
	Name          string
	Language      string
	Kind          Kind
	ByteRange     ByteRange
	Coordinates   Coordinates
	ContextBefore []byte
	ContextAfter  []byte
}

// ContentFingerprint computes SHA256(language ∥ 0x00 ∥ kind ∥ 0x00 ∥
// context_before ∥ body ∥ context_after), the key embeddings are reused by.
func (o *Object) ContentFingerprint(body []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(o.Language))
	h.Write([]byte{0})
	h.Write([]byte(o.Kind))
	h.Write([]byte{0})
	h.Write(o.ContextBefore)
	h.Write(body)
	h.Write(o.ContextAfter)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
