package ignore

import "testing"

func TestMatchSimplePattern(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	if !m.Match("debug.log", false) {
		t.Fatal("expected debug.log to be ignored")
	}
	if m.Match("debug.txt", false) {
		t.Fatal("expected debug.txt not to be ignored")
	}
}

func TestMatchDirOnlyPattern(t *testing.T) {
	m := New()
	m.AddPattern("vendor/")
	if !m.Match("vendor", true) {
		t.Fatal("expected vendor dir to be ignored")
	}
	if m.Match("vendor", false) {
		t.Fatal("vendor as a file should not match dir-only pattern")
	}
	if !m.Match("vendor/pkg/x.go", false) {
		t.Fatal("expected files under vendor/ to be ignored")
	}
}

func TestMatchAnchoredPattern(t *testing.T) {
	m := New()
	m.AddPattern("/build")
	if !m.Match("build", true) {
		t.Fatal("expected root build to be ignored")
	}
	if m.Match("sub/build", true) {
		t.Fatal("anchored pattern should not match nested build")
	}
}

func TestNegationUnignores(t *testing.T) {
	m := New()
	m.AddPattern("*.log")
	m.AddPattern("!important.log")
	if m.Match("important.log", false) {
		t.Fatal("expected important.log to be un-ignored by negation")
	}
	if !m.Match("other.log", false) {
		t.Fatal("expected other.log to remain ignored")
	}
}

func TestDoubleStarPattern(t *testing.T) {
	m := New()
	m.AddPattern("**/node_modules/**")
	if !m.Match("a/b/node_modules/c.js", false) {
		t.Fatal("expected nested node_modules match")
	}
}

func TestEmpty(t *testing.T) {
	m := New()
	if !m.Empty() {
		t.Fatal("expected new matcher to be empty")
	}
	m.AddPattern("*.log")
	if m.Empty() {
		t.Fatal("expected matcher with a rule to be non-empty")
	}
}

func TestCommentsAndBlankLinesSkipped(t *testing.T) {
	m := New()
	m.AddPattern("# comment")
	m.AddPattern("")
	if !m.Empty() {
		t.Fatal("expected comments and blank lines to add no rules")
	}
}
