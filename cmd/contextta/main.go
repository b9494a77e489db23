// Package main is the context-ta CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cheikhfiteni/context-ta-backend/internal/auth"
	"github.com/cheikhfiteni/context-ta-backend/internal/cli"
	"github.com/cheikhfiteni/context-ta-backend/internal/config"
	"github.com/cheikhfiteni/context-ta-backend/internal/conversation"
	"github.com/cheikhfiteni/context-ta-backend/internal/models"
	"github.com/cheikhfiteni/context-ta-backend/internal/relay"
	"github.com/cheikhfiteni/context-ta-backend/internal/search"
	"github.com/cheikhfiteni/context-ta-backend/internal/secrets"
	"github.com/cheikhfiteni/context-ta-backend/internal/server"
	"github.com/cheikhfiteni/context-ta-backend/internal/storage"
	"github.com/cheikhfiteni/context-ta-backend/internal/watcher"
	"github.com/cheikhfiteni/context-ta-backend/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/contextta/config.yaml"

// loadConfig loads config from path. When path is the default and ./config.yaml exists,
// that file is used instead so the binary can run from a checkout.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				path = fallback
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// bootstrap loads config, copies secrets into the environment when enabled and reloads,
// and builds the logger.
func bootstrap(ctx context.Context, path string, debug bool) (*config.Config, *zap.Logger, error) {
	cfg, resolved, err := loadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug, cfg.ErrorLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if cfg.Secrets.Enabled {
		client, err := secrets.NewClient(ctx, secrets.ClientOptions{
			Region:   cfg.Secrets.Region,
			Endpoint: cfg.Secrets.Endpoint,
		})
		if err != nil {
			logger.Warn("secrets client unavailable", zap.Error(err))
		} else if keys := secrets.LoadIntoEnv(ctx, client, cfg.Secrets.Name, logger); len(keys) > 0 {
			if cfg, _, err = loadConfig(resolved); err != nil {
				return nil, nil, fmt.Errorf("failed to reload config: %w", err)
			}
		}
	}
	logger.Debug("config loaded",
		zap.String("config_path", resolved),
		zap.String("driver", cfg.Storage.Driver),
		zap.Bool("debug", cfg.Debug || debug))
	return cfg, logger, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}
	command, args := os.Args[1], os.Args[2:]
	var err error
	switch command {
	case "server":
		err = runServer(args)
	case "import":
		err = runImport(args)
	case "watch":
		err = runWatch(args)
	case "search":
		err = runSearch(args)
	case "export":
		err = runExport(args)
	case "delete-user":
		err = runDeleteUser(args)
	case "status":
		err = runStatus(args)
	case "config":
		err = runConfig(args)
	case "version", "--version", "-v":
		fmt.Printf("contextta version %s\n", version)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage(os.Stdout)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Store   storage.Storage
	Index   *search.BleveIndex
	Service *conversation.Service
}

// Close releases the index and the store.
func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func openStore(ctx context.Context, cfg *config.StorageConfig) (storage.Storage, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		return storage.NewMongoStorage(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := openStore(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c := &Components{Store: store}

	var index search.EntryIndex
	if cfg.Search.IndexPath != "" {
		c.Index, err = search.NewBleveIndex(cfg.Search.IndexPath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to initialize search index: %w", err)
		}
		index = c.Index
	}

	c.Service = conversation.NewService(store, index,
		conversation.WithLogger(logger),
		conversation.WithMaxAttempts(cfg.Identity.MaxAttempts),
	)
	logger.Info("components initialized",
		zap.String("driver", cfg.Storage.Driver),
		zap.String("index", cfg.Search.IndexPath))
	return c, nil
}

// newVerifier returns nil when no key is configured; the server then rejects
// authenticated routes.
func newVerifier(cfg *config.AuthConfig) (*auth.Verifier, error) {
	if !cfg.Configured() {
		return nil, nil
	}
	opts := auth.Options{
		Domain:     cfg.Domain,
		Audience:   cfg.Audience,
		SigningKey: cfg.SigningKey,
		Leeway:     30 * time.Second,
	}
	if cfg.PublicKeyPath != "" {
		return auth.NewVerifierFromFile(opts, cfg.PublicKeyPath)
	}
	return auth.NewVerifier(opts)
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := bootstrap(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	verifier, err := newVerifier(&cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	if verifier == nil {
		logger.Warn("no token verification key configured; authenticated routes will fail")
	}
	if cfg.Completion.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set; chat requests will fail")
	}
	completer := relay.NewOpenAICompleter(cfg.Completion.APIKey, cfg.Completion.Model, cfg.Completion.BaseURL)

	var tv server.TokenVerifier
	if verifier != nil {
		tv = verifier
	}
	srv := server.NewServer(components.Service, completer, tv, &cfg.Server, logger,
		server.WithCompletionTimeout(cfg.Completion.Timeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	return g.Wait()
}

// resolveImportUser finds or creates the user that owns imported documents.
func resolveImportUser(ctx context.Context, svc *conversation.Service, externalID string) (*models.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, errors.New("an owning user is required (-user or IMPORT_USER_ID)")
	}
	return svc.EnsureUser(ctx, models.UserProfile{ExternalUserID: externalID})
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	userID := fs.String("user", "", "external id of the owning user (default: import.user_id)")
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() == 0 {
		return errors.New("usage: contextta import [flags] <file>...")
	}

	ctx := context.Background()
	cfg, logger, err := bootstrap(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	user, err := resolveImportUser(ctx, components.Service, firstNonEmpty(*userID, cfg.Import.UserID))
	if err != nil {
		return err
	}
	var failed int
	for _, path := range fs.Args() {
		content, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
			continue
		}
		doc, err := components.Service.ImportDocument(ctx, user.Key, filepath.Base(path), content)
		switch {
		case errors.Is(err, models.ErrDuplicateDocumentHash):
			fmt.Printf("%s: already imported\n", path)
		case err != nil:
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			failed++
		default:
			fmt.Printf("%s: imported as %s (%s)\n", path, doc.Key, doc.Title)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) failed to import", failed)
	}
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	userID := fs.String("user", "", "external id of the owning user (default: import.user_id)")
	dir := fs.String("dir", "", "inbox directory (default: import.directory)")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := bootstrap(ctx, *configPath, *debug)
	if err != nil {
		return err
	}
	defer logger.Sync()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	user, err := resolveImportUser(ctx, components.Service, firstNonEmpty(*userID, cfg.Import.UserID))
	if err != nil {
		return err
	}
	inbox := watcher.NewInbox(firstNonEmpty(*dir, cfg.Import.Directory), user.Key, components.Service,
		watcher.WithLogger(logger),
		watcher.WithExtensions(cfg.Import.Extensions),
		watcher.WithRecursive(cfg.Import.RecursiveOrDefault()),
	)
	if err := inbox.Start(ctx); err != nil {
		return fmt.Errorf("failed to start inbox: %w", err)
	}
	defer inbox.Stop()
	synced := inbox.Sync(ctx)
	fmt.Printf("Watching %s (existing files: %d imported, %d already present, %d failed)\n",
		inbox.Root(), synced.Imported, synced.Skipped, synced.Failed)

	<-ctx.Done()
	total := inbox.Counts()
	logger.Info("inbox stopped",
		zap.Int64("imported", total.Imported),
		zap.Int64("skipped", total.Skipped),
		zap.Int64("failed", total.Failed))
	return nil
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves flags that appear after positional arguments to the front so
// flag.Parse sees them; the flag package stops at the first non-flag argument.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	userID := fs.String("user", "", "external id of the user whose entries are searched")
	document := fs.String("document", "", "restrict to one document key")
	limit := fs.Int("limit", 0, "number of results (default: search.default_limit)")
	format := fs.String("format", "text", "output format: text, json or yaml")
	_ = fs.Parse(reorderArgs(args))

	query := buildSearchQuery(fs.Args())
	if query == "" {
		return errors.New("usage: contextta search [flags] <query>")
	}
	outFormat, err := cli.ParseFormat(*format, cli.OutputText)
	if err != nil {
		return err
	}

	ctx := context.Background()
	cfg, logger, err := bootstrap(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	user, err := components.Service.GetUserByExternalID(ctx, firstNonEmpty(*userID, cfg.Import.UserID))
	if err != nil {
		return err
	}
	if *limit == 0 {
		*limit = cfg.Search.DefaultLimit
	}
	resp, err := components.Service.SearchEntries(ctx, &models.EntryQuery{
		UserKey:     user.Key,
		Query:       query,
		DocumentKey: *document,
		Limit:       *limit,
	})
	if err != nil {
		return err
	}
	return cli.WriteSearchHits(os.Stdout, resp, outFormat)
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	userID := fs.String("user", "", "external id of the user to export")
	format := fs.String("format", "yaml", "output format: yaml, json or text")
	output := fs.String("o", "", "write to file instead of stdout")
	_ = fs.Parse(args)

	outFormat, err := cli.ParseFormat(*format, cli.OutputYAML)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg, logger, err := bootstrap(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	user, err := components.Service.GetUserByExternalID(ctx, *userID)
	if err != nil {
		return err
	}
	expanded, err := components.Service.GetUserExpanded(ctx, user.Key)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return cli.WriteExport(w, expanded, outFormat)
}

func runDeleteUser(args []string) error {
	fs := flag.NewFlagSet("delete-user", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	userID := fs.String("user", "", "external id of the user to delete")
	_ = fs.Parse(args)
	if *userID == "" {
		return errors.New("usage: contextta delete-user -user <external id>")
	}

	ctx := context.Background()
	cfg, logger, err := bootstrap(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	user, err := components.Service.GetUserByExternalID(ctx, *userID)
	if err != nil {
		return err
	}
	if err := components.Service.RemoveUser(ctx, user.Key); err != nil {
		return err
	}
	fmt.Printf("Deleted user %s and %d document(s)\n", *userID, len(user.Documents))
	return nil
}

// footprintPaths lists the on-disk locations owned by this configuration.
func footprintPaths(cfg *config.Config) map[string]string {
	paths := map[string]string{
		"index": cfg.Search.IndexPath,
		"inbox": cfg.Import.Directory,
	}
	if cfg.Storage.Driver == config.DriverSQLite {
		paths["database"] = cfg.Storage.SQLitePath
	}
	return paths
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	format := fs.String("format", "text", "output format: text, json or yaml")
	_ = fs.Parse(args)

	outFormat, err := cli.ParseFormat(*format, cli.OutputText)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cfg, logger, err := bootstrap(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	stats, err := components.Service.Stats(ctx)
	if err != nil {
		return err
	}
	st := &cli.Status{Driver: cfg.Storage.Driver, Stats: stats}
	if fp, err := storage.MeasureFootprint(footprintPaths(cfg)); err != nil {
		logger.Warn("disk usage unavailable", zap.Error(err))
	} else {
		st.Footprint = fp
	}
	return cli.WriteStatus(os.Stdout, st, outFormat)
}

func runConfig(args []string) error {
	if len(args) == 0 || args[0] != "init" {
		return errors.New("usage: contextta config init [-config path] [-force]")
	}
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "where to write the config file")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args[1:])
	return initConfig(*configPath, *force)
}

// initConfig writes a config file populated with defaults.
func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `contextta - document annotation assistant backend

Usage:
  contextta server [flags]              Start the HTTP and chat server
  contextta import [flags] <file>...    Import documents for a user
  contextta watch [flags]               Import files dropped into the inbox directory
  contextta search [flags] <query>      Search a user's conversation entries
  contextta export [flags]              Export a user with every document and conversation
  contextta delete-user -user <id>      Delete a user and everything it owns
  contextta status [flags]              Show entity counts and disk usage
  contextta config init [flags]         Write a config file with defaults
  contextta version                     Show version
  contextta help                        Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/contextta/config.yaml,
                     or ./config.yaml when present; environment variables are used
                     when no file exists)

Import/Watch Flags:
  --user string      External id of the owning user (default: import.user_id)
  --dir string       Inbox directory for watch (default: import.directory)

Search Flags:
  --user string      External id of the user
  --document string  Restrict to one document key
  --limit int        Number of results
  --format string    text, json or yaml

Export Flags:
  --user string      External id of the user
  --format string    yaml (default), json or text
  -o string          Output file

Examples:
  contextta server
  contextta import -user auth0|abc notes.pdf slides.docx
  contextta watch -user auth0|abc -dir ~/inbox
  contextta search -user auth0|abc photosynthesis
  contextta export -user auth0|abc -format json -o backup.json
  contextta status --format json`)
}
