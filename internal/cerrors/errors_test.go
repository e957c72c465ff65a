package cerrors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesCategoryAndSeverity(t *testing.T) {
	cases := []struct {
		code     string
		category Category
		severity Severity
		retry    bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityFatal, false},
		{ErrCodeFileNotFound, CategoryIO, SeverityWarning, false},
		{ErrCodeParseFailed, CategoryParse, SeverityWarning, false},
		{ErrCodeEmbeddingTransient, CategoryEmbedding, SeverityError, true},
		{ErrCodeConsistencyViolation, CategoryConsistency, SeverityFatal, false},
		{ErrCodeCancelled, CategoryCancelled, SeverityError, false},
	}

	for _, tc := range cases {
		err := New(tc.code, "boom", nil)
		assert.Equal(t, tc.category, err.Category, tc.code)
		assert.Equal(t, tc.severity, err.Severity, tc.code)
		assert.Equal(t, tc.retry, err.Retryable, tc.code)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrCodeFileNotFound, cause)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ERR_201_FILE_NOT_FOUND")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestIsCancelledDetectsContextAndWrapped(t *testing.T) {
	assert.True(t, IsCancelled(context.Canceled))
	assert.True(t, IsCancelled(Cancelled(context.Canceled)))
	assert.False(t, IsCancelled(errors.New("other")))
	assert.False(t, IsCancelled(nil))
}

func TestIsRetryableAndIsFatal(t *testing.T) {
	retryable := New(ErrCodeEmbeddingTransient, "429", nil)
	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsFatal(retryable))

	fatal := New(ErrCodeStoreCorrupt, "corrupt", nil)
	assert.True(t, IsFatal(fatal))
	assert.False(t, IsRetryable(fatal))
}

func TestWithDetailChains(t *testing.T) {
	err := New(ErrCodeParseFailed, "bad syntax", nil).
		WithDetail("path", "a.py").
		WithDetail("language", "python")
	assert.Equal(t, "a.py", err.Details["path"])
	assert.Equal(t, "python", err.Details["language"])
}

func TestCodeExtraction(t *testing.T) {
	assert.Equal(t, ErrCodeFileNotFound, Code(New(ErrCodeFileNotFound, "x", nil)))
	assert.Equal(t, "", Code(errors.New("plain")))
}
