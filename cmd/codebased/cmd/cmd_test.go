package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebased-sh/codebased/internal/extract"
	"github.com/codebased-sh/codebased/internal/indexstore"
	"github.com/codebased-sh/codebased/internal/search"
)

func TestExitWithWrapsCodeAndError(t *testing.T) {
	err := exitWith(2, errors.New("boom"))
	var ec *exitCodeError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, 2, ec.code)
	assert.Equal(t, "boom", ec.Error())
}

func TestExitWithNilIsNil(t *testing.T) {
	assert.Nil(t, exitWith(2, nil))
}

func TestSearchOptionsToQueryAppliesFilters(t *testing.T) {
	opts := searchOptions{limit: 5, language: "go", kind: "function", pathPrefix: "internal/"}
	q := opts.toQuery("retry logic")
	assert.Equal(t, "retry logic", q.Text)
	assert.Equal(t, 5, q.K)
	assert.Equal(t, "go", q.Language)
	assert.Equal(t, "function", q.Kind)
	assert.Equal(t, "internal/", q.PathPrefix)
}

func TestPrintResultsReportsNoResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, search.ResultPage{})
	assert.Equal(t, "no results\n", buf.String())
}

func TestPrintResultsFormatsHits(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, search.ResultPage{Results: []search.Result{
		{
			Object: indexstore.ObjectRecord{
				Path:     "a.py",
				Name:     "foo",
				Language: "python",
				Kind:     extract.KindFunction,
			},
			Body:       "def foo():\n    pass\n",
			FusedScore: 0.5,
		},
	}})
	out := buf.String()
	assert.Contains(t, out, "foo")
	assert.Contains(t, out, "    def foo():")
}

func TestIndentBodyPrefixesEveryLine(t *testing.T) {
	got := indentBody("a\nb\n")
	assert.Equal(t, "    a\n    b", got)
}
