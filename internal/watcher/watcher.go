// Package watcher imports documents dropped into an inbox directory.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/models"
)

const defaultDebounce = 400 * time.Millisecond

// Importer stores the content of one file as a document owned by userKey.
type Importer interface {
	ImportDocument(ctx context.Context, userKey, fileName string, content []byte) (*models.DocumentMetadata, error)
}

// Result describes the outcome of importing one file.
type Result struct {
	Path     string
	Document *models.DocumentMetadata
	Err      error
}

// Duplicate reports whether the file was skipped because its content is already attached.
func (r Result) Duplicate() bool {
	return errors.Is(r.Err, models.ErrDuplicateDocumentHash)
}

// Counts summarizes imports since the inbox was created.
type Counts struct {
	Imported int64 `json:"imported"`
	Skipped  int64 `json:"skipped"`
	Failed   int64 `json:"failed"`
}

// Inbox watches a directory and imports every matching file it sees.
type Inbox struct {
	root       string
	userKey    string
	importer   Importer
	extensions []string
	recursive  bool
	debounce   time.Duration
	onResult   func(Result)
	logger     *zap.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	pending  map[string]*time.Timer
	done     chan struct{}
	stopOnce sync.Once
	ctx      context.Context

	imported atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
}

// Option configures an Inbox.
type Option func(*Inbox)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Inbox) { in.logger = l }
}

// WithExtensions restricts imports to the given file extensions. Empty means all files.
func WithExtensions(exts []string) Option {
	return func(in *Inbox) { in.extensions = exts }
}

// WithRecursive controls whether subdirectories are watched.
func WithRecursive(recursive bool) Option {
	return func(in *Inbox) { in.recursive = recursive }
}

// WithDebounce sets how long a file must stay quiet before it is imported.
func WithDebounce(d time.Duration) Option {
	return func(in *Inbox) {
		if d > 0 {
			in.debounce = d
		}
	}
}

// WithResultHandler registers fn to receive every import result.
func WithResultHandler(fn func(Result)) Option {
	return func(in *Inbox) { in.onResult = fn }
}

// NewInbox creates an inbox for root whose documents are owned by userKey.
func NewInbox(root, userKey string, importer Importer, opts ...Option) *Inbox {
	in := &Inbox{
		root:      filepath.Clean(root),
		userKey:   userKey,
		importer:  importer,
		recursive: true,
		debounce:  defaultDebounce,
		logger:    zap.NewNop(),
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
		ctx:       context.Background(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Root returns the watched directory.
func (in *Inbox) Root() string { return in.root }

// Start creates the root if needed and begins watching. It runs until ctx is
// cancelled or Stop is called.
func (in *Inbox) Start(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(in.root, 0755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := in.addTree(fw, in.root); err != nil {
		_ = fw.Close()
		return err
	}
	in.watcher = fw
	in.ctx = ctx
	in.logger.Info("inbox watching",
		zap.String("root", in.root),
		zap.Strings("extensions", in.extensions),
		zap.Bool("recursive", in.recursive))
	go in.run(ctx, fw)
	return nil
}

func (in *Inbox) addTree(fw *fsnotify.Watcher, dir string) error {
	if !in.recursive {
		return fw.Add(dir)
	}
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return fw.Add(path)
	})
}

func (in *Inbox) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			in.Stop()
			return
		case <-in.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			in.handleEvent(fw, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			in.logger.Warn("inbox watch error", zap.Error(err))
		}
	}
}

func (in *Inbox) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if !inDir(in.root, ev.Name) {
		return
	}
	in.logger.Debug("inbox event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name))
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		in.cancel(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if in.recursive && ev.Has(fsnotify.Create) {
				if err := in.addTree(fw, ev.Name); err != nil {
					in.logger.Warn("inbox failed to watch directory", zap.String("path", ev.Name), zap.Error(err))
				}
				in.syncDir(ev.Name)
			}
			return
		}
		if matchExtension(ev.Name, in.extensions) {
			in.schedule(ev.Name)
		}
	}
}

// schedule imports path once it has been quiet for the debounce interval.
func (in *Inbox) schedule(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Stop()
	}
	in.pending[path] = time.AfterFunc(in.debounce, func() {
		in.mu.Lock()
		delete(in.pending, path)
		ctx := in.ctx
		in.mu.Unlock()
		in.importFile(ctx, path)
	})
}

func (in *Inbox) cancel(path string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if t, ok := in.pending[path]; ok {
		t.Stop()
		delete(in.pending, path)
	}
}

// Sync imports every matching file already present under the root.
func (in *Inbox) Sync(ctx context.Context) Counts {
	before := in.Counts()
	in.mu.Lock()
	if in.watcher == nil {
		in.ctx = ctx
	}
	in.mu.Unlock()
	in.walk(ctx, in.root)
	after := in.Counts()
	return Counts{
		Imported: after.Imported - before.Imported,
		Skipped:  after.Skipped - before.Skipped,
		Failed:   after.Failed - before.Failed,
	}
}

func (in *Inbox) syncDir(dir string) {
	in.mu.Lock()
	ctx := in.ctx
	in.mu.Unlock()
	in.walk(ctx, dir)
}

func (in *Inbox) walk(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			in.logger.Warn("inbox walk failed", zap.String("path", path), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != dir && !in.recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if matchExtension(path, in.extensions) {
			in.importFile(ctx, path)
		}
		return nil
	})
}

func (in *Inbox) importFile(ctx context.Context, path string) {
	res := Result{Path: path}
	content, err := os.ReadFile(path)
	if err != nil {
		res.Err = err
	} else {
		res.Document, res.Err = in.importer.ImportDocument(ctx, in.userKey, filepath.Base(path), content)
	}
	switch {
	case res.Err == nil:
		in.imported.Add(1)
		in.logger.Info("document imported",
			zap.String("path", path),
			zap.String("document", res.Document.Key),
			zap.String("hash", res.Document.DocumentHash))
	case res.Duplicate():
		in.skipped.Add(1)
		in.logger.Info("document already imported", zap.String("path", path))
	default:
		in.failed.Add(1)
		in.logger.Warn("document import failed", zap.String("path", path), zap.Error(res.Err))
	}
	if in.onResult != nil {
		in.onResult(res)
	}
}

// Counts returns the running totals.
func (in *Inbox) Counts() Counts {
	return Counts{
		Imported: in.imported.Load(),
		Skipped:  in.skipped.Load(),
		Failed:   in.failed.Load(),
	}
}

// Stop stops watching and drops pending imports.
func (in *Inbox) Stop() {
	in.mu.Lock()
	for path, t := range in.pending {
		t.Stop()
		delete(in.pending, path)
	}
	fw := in.watcher
	in.watcher = nil
	in.mu.Unlock()
	in.stopOnce.Do(func() { close(in.done) })
	if fw != nil {
		_ = fw.Close()
	}
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
