package codebasedconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, defaultEmbeddingModel, cfg.EmbeddingModel)
	assert.Equal(t, defaultEmbeddingDimension, cfg.EmbeddingDimension)
	assert.Equal(t, defaultIndexRoot, cfg.IndexRoot)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`embedding_model = "custom-model"`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", cfg.EmbeddingModel)
	assert.Equal(t, defaultEmbeddingDimension, cfg.EmbeddingDimension)
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`not = [valid toml`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`embedding_api_key = "from-file"`), 0o644))

	t.Setenv("EMBEDDING_API_KEY", "from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.EmbeddingAPIKey)
}

func TestIndexRootForRelativeAndAbsolute(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("/repo", ".codebased"), cfg.IndexRootFor("/repo"))

	cfg.IndexRoot = "/var/lib/codebased"
	assert.Equal(t, "/var/lib/codebased", cfg.IndexRootFor("/repo"))
}

func TestValidateRejectsBadDimension(t *testing.T) {
	cfg := Default()
	cfg.EmbeddingDimension = 0
	assert.Error(t, cfg.Validate())
}
