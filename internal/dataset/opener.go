package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"climdex/internal/cache"
	"climdex/internal/labeled"
	"climdex/internal/types"
)

const (
	// DefaultOpenCacheSize is the number of opened datasets kept for reuse.
	DefaultOpenCacheSize = 64
	// DefaultOpenCacheTTL is how long an opened dataset is reused before its
	// metadata is read again.
	DefaultOpenCacheTTL = 5 * time.Minute
)

// OpenerConfig configures how dataset references are opened.
type OpenerConfig struct {
	HTTPClient  *http.Client
	RetryPolicy RetryPolicy
	UserAgent   string
	Concurrency int
	Logger      *slog.Logger

	CacheSize int
	CacheTTL  time.Duration
	Clock     clockwork.Clock

	// LocalRoot confines local paths, file:// URLs and glob patterns to a
	// directory. Relative references are taken relative to it.
	LocalRoot string
	// DenyLocal rejects every local reference. It takes precedence over
	// LocalRoot.
	DenyLocal bool
}

// Opener resolves dataset references (local paths, file:// and http(s) URLs,
// or glob patterns over local stores) and reads variables from them. Opened
// datasets are kept in a bounded cache and re-read once their entry expires.
type Opener struct {
	cfg  OpenerConfig
	open *cache.LRU[*Dataset]
}

// NewOpener returns an Opener. Zero config fields take defaults.
func NewOpener(cfg OpenerConfig) *Opener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultOpenCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultOpenCacheTTL
	}
	if cfg.LocalRoot != "" {
		cfg.LocalRoot = filepath.Clean(cfg.LocalRoot)
	}
	return &Opener{cfg: cfg, open: cache.New[*Dataset](cfg.CacheSize, cfg.CacheTTL, cfg.Clock)}
}

// Open opens a single dataset reference.
func (o *Opener) Open(ctx context.Context, ref string) (*Dataset, error) {
	ref = strings.TrimRight(strings.TrimSpace(ref), "/")
	store, key, err := o.storeFor(ref)
	if err != nil {
		return nil, err
	}

	if ds, ok := o.open.Get(key); ok {
		return ds, nil
	}

	ds, err := Open(ctx, store, ref,
		WithLogger(o.cfg.Logger), WithConcurrency(o.cfg.Concurrency))
	if err != nil {
		return nil, err
	}
	o.open.Put(key, ds)
	return ds, nil
}

// CacheStats reports the opened-dataset cache counters.
func (o *Opener) CacheStats() cache.Stats {
	return o.open.Stats()
}

// ReadVariable reads variable from ref. A glob pattern reads from the first
// matching store, in lexical order, that holds the variable.
func (o *Opener) ReadVariable(ctx context.Context, ref, variable string) (*labeled.Array, error) {
	if !isPattern(ref) {
		ds, err := o.Open(ctx, ref)
		if err != nil {
			return nil, err
		}
		return ds.Variable(ctx, variable)
	}

	pattern, err := o.localPath(ref)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuery,
			fmt.Sprintf("invalid dataset pattern %q", ref), err)
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundDataset,
			fmt.Sprintf("no dataset matches %s", ref), nil,
			map[string]any{"dataset": ref})
	}
	for _, match := range matches {
		ds, err := o.Open(ctx, match)
		if types.IsCode(err, types.ErrCodeNotFoundDataset) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ok, err := ds.HasVariable(ctx, variable)
		if err != nil {
			return nil, err
		}
		if ok {
			o.cfg.Logger.Debug("dataset pattern resolved", "pattern", ref, "dataset", match, "variable", variable)
			return ds.Variable(ctx, variable)
		}
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundVariable,
		fmt.Sprintf("variable %s not found in any dataset matching %s", variable, ref), nil,
		map[string]any{"dataset": ref, "variable": variable, "matches": len(matches)})
}

// storeFor returns the store behind ref and the key it is cached under.
func (o *Opener) storeFor(ref string) (Store, string, error) {
	if isRemote(ref) {
		return NewHTTPStore(o.cfg.HTTPClient, ref,
			WithRetryPolicy(o.cfg.RetryPolicy), WithUserAgent(o.cfg.UserAgent)), ref, nil
	}
	path, err := o.localPath(ref)
	if err != nil {
		return nil, "", err
	}
	return NewFileStore(path), path, nil
}

// localPath maps a local reference onto the filesystem, enforcing DenyLocal
// and LocalRoot. Symlinks inside the root must not lead out of it.
func (o *Opener) localPath(ref string) (string, error) {
	path := strings.TrimPrefix(ref, "file://")
	if o.cfg.DenyLocal {
		return "", blockedPath(ref, "local dataset references are disabled")
	}
	root := o.cfg.LocalRoot
	if root == "" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	if !within(root, path) {
		return "", blockedPath(ref, "path is outside the dataset root")
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		realRoot, err := filepath.EvalSymlinks(root)
		if err != nil || !within(realRoot, resolved) {
			return "", blockedPath(ref, "path is outside the dataset root")
		}
	}
	return path, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func blockedPath(ref, reason string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationBlockedPath,
		fmt.Sprintf("dataset %s: %s", ref, reason), nil,
		map[string]any{"dataset": ref})
}

func isRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func isPattern(ref string) bool {
	return !isRemote(ref) && strings.ContainsAny(ref, "*?[")
}
