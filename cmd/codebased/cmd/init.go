package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/codebased-sh/codebased/internal/catalog"
	"github.com/codebased-sh/codebased/internal/clog"
	"github.com/codebased-sh/codebased/internal/codebasedconfig"
	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/extract"
	"github.com/codebased-sh/codebased/internal/indexer"
	"github.com/codebased-sh/codebased/internal/indexstore"
	"github.com/codebased-sh/codebased/internal/source"
)

// indexMeta is persisted to meta.toml so a later run can detect an
// embedding-model or schema change and trigger a full rebuild instead of
// reusing an index built under different assumptions.
type indexMeta struct {
	SchemaVersion  int    `toml:"schema_version"`
	EmbeddingModel string `toml:"embedding_model"`
	Dimension      int    `toml:"dimension"`
}

const currentSchemaVersion = 1

func newInitCmd() *cobra.Command {
	var root string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .codebased/ and index the repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.Context(), root)
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "repository root to index")
	return cmd
}

func runInit(ctx context.Context, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return exitWith(1, fmt.Errorf("resolve root: %w", err))
	}

	cfg, err := codebasedconfig.Load("")
	if err != nil {
		return exitWith(1, fmt.Errorf("load config: %w", err))
	}

	indexRoot := cfg.IndexRootFor(absRoot)
	if err := os.MkdirAll(indexRoot, 0o755); err != nil {
		return exitWith(2, fmt.Errorf("create %s: %w", indexRoot, err))
	}

	logger, cleanup, err := clog.Setup(clog.DefaultConfig(indexRoot))
	if err != nil {
		return exitWith(2, fmt.Errorf("setup logging: %w", err))
	}
	defer cleanup()

	if err := reconcileMeta(indexRoot, cfg); err != nil {
		return exitWith(2, err)
	}

	store, err := indexstore.Open(
		filepath.Join(indexRoot, "index.db"),
		filepath.Join(indexRoot, "ann.bin"),
		cfg.EmbeddingDimension,
	)
	if err != nil {
		return exitWith(2, fmt.Errorf("open index store: %w", err))
	}
	defer func() { _ = store.Close() }()

	cat, err := catalog.Open(store.DB())
	if err != nil {
		return exitWith(2, fmt.Errorf("open catalog: %w", err))
	}

	src, err := source.New(absRoot)
	if err != nil {
		return exitWith(1, fmt.Errorf("open source: %w", err))
	}

	embedSvc := embedding.New(embedding.Config{
		BaseURL:   "https://api.openai.com/v1",
		APIKey:    cfg.EmbeddingAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	}, store, logger)
	defer func() { _ = embedSvc.Close() }()

	ix := indexer.New(indexer.Config{
		RootDir:  absRoot,
		LockPath: filepath.Join(indexRoot, "lock"),
	}, src, cat, extract.NewObjectExtractor(), store, embedSvc, nil, logger)
	defer func() { _ = ix.Close() }()

	fmt.Printf("indexing %s...\n", absRoot)
	if err := ix.RunOnce(ctx); err != nil {
		return exitWith(2, fmt.Errorf("index: %w", err))
	}
	fmt.Println("done")
	return nil
}

// reconcileMeta compares the persisted index metadata against cfg and wipes
// the physical index files on mismatch, so the caller's subsequent RunOnce
// rebuilds from scratch rather than mixing revisions across embedding
// models or schema versions.
func reconcileMeta(indexRoot string, cfg codebasedconfig.Config) error {
	metaPath := filepath.Join(indexRoot, "meta.toml")
	want := indexMeta{
		SchemaVersion:  currentSchemaVersion,
		EmbeddingModel: cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimension,
	}

	if data, err := os.ReadFile(metaPath); err == nil {
		var got indexMeta
		if _, decodeErr := toml.Decode(string(data), &got); decodeErr == nil && got != want {
			_ = os.Remove(filepath.Join(indexRoot, "index.db"))
			_ = os.Remove(filepath.Join(indexRoot, "ann.bin"))
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", metaPath, err)
	}

	f, err := os.Create(metaPath)
	if err != nil {
		return fmt.Errorf("write %s: %w", metaPath, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(want)
}
