package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/codebased-sh/codebased/internal/catalog"
	"github.com/codebased-sh/codebased/internal/clog"
	"github.com/codebased-sh/codebased/internal/codebasedconfig"
	"github.com/codebased-sh/codebased/internal/embedding"
	"github.com/codebased-sh/codebased/internal/extract"
	"github.com/codebased-sh/codebased/internal/indexer"
	"github.com/codebased-sh/codebased/internal/indexstore"
	"github.com/codebased-sh/codebased/internal/search"
	"github.com/codebased-sh/codebased/internal/source"
	"github.com/codebased-sh/codebased/internal/watch"
)

type searchOptions struct {
	limit      int
	root       string
	language   string
	kind       string
	pathPrefix string
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the indexed repository",
		Long: `With a query argument, runs one search and prints the results.

Without one, keeps the index converged with the working tree and reads
queries from stdin, one per line, until EOF or interruption.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if query != "" {
				return runSearchOnce(cmd.Context(), query, opts)
			}
			return runSearchInteractive(cmd.Context(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", search.DefaultK, "maximum number of results")
	cmd.Flags().StringVar(&opts.root, "root", ".", "repository root")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "filter by language")
	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "filter by declaration kind")
	cmd.Flags().StringVar(&opts.pathPrefix, "path", "", "filter by path prefix")
	return cmd
}

// openExistingIndex opens the store/catalog/embedder trio for an
// already-initialized repository, erroring out if init was never run.
func openExistingIndex(absRoot string) (*indexstore.Store, *catalog.Catalog, *embedding.Service, codebasedconfig.Config, error) {
	cfg, err := codebasedconfig.Load("")
	if err != nil {
		return nil, nil, nil, cfg, fmt.Errorf("load config: %w", err)
	}

	indexRoot := cfg.IndexRootFor(absRoot)
	dbPath := filepath.Join(indexRoot, "index.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, nil, cfg, fmt.Errorf("no index found at %s, run 'codebased init' first", indexRoot)
	}

	store, err := indexstore.Open(dbPath, filepath.Join(indexRoot, "ann.bin"), cfg.EmbeddingDimension)
	if err != nil {
		return nil, nil, nil, cfg, fmt.Errorf("open index store: %w", err)
	}

	cat, err := catalog.Open(store.DB())
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, cfg, fmt.Errorf("open catalog: %w", err)
	}

	embedSvc := embedding.New(embedding.Config{
		BaseURL:   "https://api.openai.com/v1",
		APIKey:    cfg.EmbeddingAPIKey,
		Model:     cfg.EmbeddingModel,
		Dimension: cfg.EmbeddingDimension,
	}, store, nil)

	return store, cat, embedSvc, cfg, nil
}

func runSearchOnce(ctx context.Context, query string, opts searchOptions) error {
	absRoot, err := filepath.Abs(opts.root)
	if err != nil {
		return exitWith(1, fmt.Errorf("resolve root: %w", err))
	}

	store, _, embedSvc, _, err := openExistingIndex(absRoot)
	if err != nil {
		return exitWith(2, err)
	}
	defer func() { _ = store.Close() }()
	defer func() { _ = embedSvc.Close() }()

	searcher, err := search.New(store, embedSvc, 0)
	if err != nil {
		return exitWith(2, fmt.Errorf("build searcher: %w", err))
	}

	page, err := searcher.Search(ctx, opts.toQuery(query))
	if err != nil {
		return exitWith(2, fmt.Errorf("search: %w", err))
	}

	printResults(os.Stdout, page)
	return nil
}

// runSearchInteractive runs a live Indexer (initial scan + watcher-driven
// convergence) alongside a minimal stdin read loop, standing in for the
// external interactive TUI this CLI hands results to.
func runSearchInteractive(ctx context.Context, opts searchOptions) error {
	absRoot, err := filepath.Abs(opts.root)
	if err != nil {
		return exitWith(1, fmt.Errorf("resolve root: %w", err))
	}

	cfg, err := codebasedconfig.Load("")
	if err != nil {
		return exitWith(1, fmt.Errorf("load config: %w", err))
	}
	indexRoot := cfg.IndexRootFor(absRoot)

	logger, cleanup, err := clog.Setup(clog.DefaultConfig(indexRoot))
	if err != nil {
		return exitWith(2, fmt.Errorf("setup logging: %w", err))
	}
	defer cleanup()

	store, cat, embedSvc, _, err := openExistingIndex(absRoot)
	if err != nil {
		return exitWith(2, err)
	}
	defer func() { _ = store.Close() }()
	defer func() { _ = embedSvc.Close() }()

	src, err := source.New(absRoot)
	if err != nil {
		return exitWith(1, fmt.Errorf("open source: %w", err))
	}

	searcher, err := search.New(store, embedSvc, 0)
	if err != nil {
		return exitWith(2, fmt.Errorf("build searcher: %w", err))
	}

	w := watch.New(watch.Options{}, logger)
	ix := indexer.New(indexer.Config{
		RootDir:  absRoot,
		LockPath: filepath.Join(indexRoot, "lock"),
	}, src, cat, extract.NewObjectExtractor(), store, embedSvc, w, logger)
	defer func() { _ = ix.Close() }()

	liveErr := make(chan error, 1)
	go func() { liveErr <- ix.RunLive(ctx) }()

	fmt.Println("codebased ready. Type a query and press enter; Ctrl-D to exit.")

	prompt := isatty.IsTerminal(os.Stdin.Fd())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if prompt {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		searchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		page, err := searcher.Search(searchCtx, opts.toQuery(line))
		cancel()
		if err != nil {
			fmt.Fprintln(os.Stderr, "search error:", err)
			continue
		}
		printResults(os.Stdout, page)
	}

	select {
	case err := <-liveErr:
		if err != nil && ctx.Err() == nil {
			return exitWith(2, fmt.Errorf("live indexing stopped: %w", err))
		}
	default:
	}
	return nil
}

func (o searchOptions) toQuery(text string) search.Query {
	return search.Query{
		Text:       text,
		K:          o.limit,
		Language:   o.language,
		Kind:       o.kind,
		PathPrefix: o.pathPrefix,
	}
}

func printResults(w io.Writer, page search.ResultPage) {
	if len(page.Results) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	for i, r := range page.Results {
		fmt.Fprintf(w, "%d. %s:%d-%d  %s %s (%s)  score=%.4f\n",
			i+1, r.Object.Path, r.Object.StartLine+1, r.Object.EndLine+1,
			r.Object.Kind, r.Object.Name, r.Object.Language, r.FusedScore)
		fmt.Fprintln(w, indentBody(r.Body))
	}
}

func indentBody(body string) string {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
