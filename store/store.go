package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"function_runtime/compiler"
	"function_runtime/logging"
	"function_runtime/metrics"
	"function_runtime/models"
	"function_runtime/utils"
)

const (
	JSFunctionFile = "index.js"
	TSFunctionFile = "index.ts"
	SourceMapFile  = "index.js.map"
	MetadataFile   = "function.json"
)

var (
	ErrInvalidDescriptor = errors.New("invalid function descriptor")
	ErrFetchFailed       = errors.New("failed to fetch function")
	ErrVersionMismatch   = errors.New("registry version does not match requested version")
	ErrUnsupported       = errors.New("unsupported source language")
	ErrNotCached         = errors.New("function is not cached")
)

// Fetcher retrieves a function descriptor, source code included
type Fetcher interface {
	GetFunction(ctx context.Context, name string) (*models.FunctionDescriptor, error)
}

// Compiler transpiles typescript sources
type Compiler interface {
	Compile(source, fileName string) (*compiler.Output, error)
}

// FunctionStore materializes function versions under a cache root, one
// directory per (name, version). Entries are immutable once written.
type FunctionStore struct {
	root     string
	fetcher  Fetcher
	compiler Compiler

	// populating scopes cache population by "name/version" within this
	// process. Other worker processes are not excluded.
	populating singleflight.Group
}

// NewFunctionStore creates a new FunctionStore
func NewFunctionStore(root string, fetcher Fetcher, compiler Compiler) *FunctionStore {
	return &FunctionStore{
		root:     root,
		fetcher:  fetcher,
		compiler: compiler,
	}
}

// Root returns the cache root directory
func (fs *FunctionStore) Root() string {
	return fs.root
}

// FunctionDir is the cache directory of one function version
func (fs *FunctionStore) FunctionDir(name, version string) string {
	return filepath.Join(fs.root, name, version)
}

// DefaultPath is the loadable artifact of one function version
func (fs *FunctionStore) DefaultPath(name, version string) string {
	return filepath.Join(fs.FunctionDir(name, version), JSFunctionFile)
}

// Resolve returns a loadable path for fn, fetching and compiling it on
// first use. Concurrent calls for the same (name, version) share a single
// fetch and compilation.
func (fs *FunctionStore) Resolve(ctx context.Context, logger *logging.Logger, fn *models.FunctionDescriptor) (string, error) {
	if err := validateDescriptor(fn); err != nil {
		return "", err
	}

	data := map[string]interface{}{"functionName": fn.Name, "etag": fn.Version}
	logger.Debug(fmt.Sprintf("Executing function '%s'-%s", fn.Name, fn.Version), data)

	path := fs.DefaultPath(fn.Name, fn.Version)
	if utils.FileExists(path) {
		metrics.CacheResolutions.WithLabelValues("hit").Inc()
		logger.Debug("Function file already exists", nil)
		return path, nil
	}

	logger.Debug("Missing function file", nil)

	key := fn.Name + "/" + fn.Version
	v, err, shared := fs.populating.Do(key, func() (interface{}, error) {
		if utils.FileExists(path) {
			return path, nil
		}
		// The result is shared with every waiter, so it must not be cut
		// short by the first caller going away.
		return fs.populate(context.WithoutCancel(ctx), logger, fn.Name, fn.Version)
	})
	if err != nil {
		metrics.CacheResolutions.WithLabelValues("error").Inc()
		return "", err
	}
	if shared {
		logger.Debug("Function populated by a concurrent invocation", data)
	}

	metrics.CacheResolutions.WithLabelValues("miss").Inc()
	return v.(string), nil
}

func (fs *FunctionStore) populate(ctx context.Context, logger *logging.Logger, name, version string) (string, error) {
	data := map[string]interface{}{"functionName": name, "etag": version}

	logger.Debug("Getting function file", data)

	remote, err := fs.fetcher.GetFunction(ctx, name)
	if err != nil {
		metrics.RegistryFetches.WithLabelValues("error").Inc()
		logger.Error("Error while getting function", map[string]interface{}{"functionName": name, "error": err.Error()})
		return "", fmt.Errorf("%w %s: %w", ErrFetchFailed, name, err)
	}
	metrics.RegistryFetches.WithLabelValues("ok").Inc()

	if remote.Version == "" {
		remote.Version = version
	}
	if remote.Version != version {
		logger.Error("Registry served a different version", map[string]interface{}{
			"functionName": name, "etag": version, "registryEtag": remote.Version,
		})
		return "", fmt.Errorf("%w: %s wants %s, registry has %s", ErrVersionMismatch, name, version, remote.Version)
	}
	remote.Name = name

	lang := remote.Language()
	if lang != models.LanguageJavaScript && lang != models.LanguageTypeScript {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, lang)
	}

	dir := fs.FunctionDir(name, version)
	_, statErr := os.Stat(dir)
	created := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create function directory: %w", err)
	}

	path, err := fs.write(logger, dir, remote)
	if err != nil {
		if created {
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				log.Warn().Err(rmErr).Str("path", dir).Msg("Failed to clean up function directory")
			}
		}
		logger.Error("Error while saving function", map[string]interface{}{"functionName": name, "error": err.Error()})
		return "", err
	}

	return path, nil
}

// write lays out the cache entry. The loadable index.js is always written
// last, so its presence implies a complete entry.
func (fs *FunctionStore) write(logger *logging.Logger, dir string, fn *models.FunctionDescriptor) (string, error) {
	metadata, err := fn.Metadata()
	if err != nil {
		return "", fmt.Errorf("failed to encode function metadata: %w", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, MetadataFile), metadata, 0644); err != nil {
		return "", fmt.Errorf("failed to write function metadata: %w", err)
	}

	source := []byte(fn.SourceCode.Content)
	jsPath := filepath.Join(dir, JSFunctionFile)

	if fn.Language() != models.LanguageTypeScript {
		if err := utils.WriteFileAtomic(jsPath, source, 0644); err != nil {
			return "", fmt.Errorf("failed to write function source: %w", err)
		}
		return jsPath, nil
	}

	if err := utils.WriteFileAtomic(filepath.Join(dir, TSFunctionFile), source, 0644); err != nil {
		return "", fmt.Errorf("failed to write function source: %w", err)
	}

	logger.Debug("Compiling function", map[string]interface{}{"functionName": fn.Name})

	out, err := fs.compiler.Compile(fn.SourceCode.Content, TSFunctionFile)
	if err != nil {
		metrics.Compilations.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Compilations.WithLabelValues("ok").Inc()

	if err := utils.WriteFileAtomic(filepath.Join(dir, SourceMapFile), out.SourceMap, 0644); err != nil {
		return "", fmt.Errorf("failed to write source map: %w", err)
	}
	if err := utils.WriteFileAtomic(jsPath, out.Code, 0644); err != nil {
		return "", fmt.Errorf("failed to write compiled function: %w", err)
	}
	return jsPath, nil
}

// ListFunctions returns every materialized cache entry, sorted by name then version
func (fs *FunctionStore) ListFunctions() ([]models.CachedFunction, error) {
	names, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.CachedFunction{}, nil
		}
		return nil, err
	}

	functions := []models.CachedFunction{}
	for _, n := range names {
		if !n.IsDir() {
			continue
		}
		versions, err := os.ReadDir(filepath.Join(fs.root, n.Name()))
		if err != nil {
			log.Warn().Err(err).Str("function", n.Name()).Msg("Failed to read function directory")
			continue
		}
		for _, v := range versions {
			if !v.IsDir() {
				continue
			}
			if cf, err := fs.GetFunction(n.Name(), v.Name()); err == nil {
				functions = append(functions, *cf)
			}
		}
	}

	sort.Slice(functions, func(i, j int) bool {
		if functions[i].Name != functions[j].Name {
			return functions[i].Name < functions[j].Name
		}
		return functions[i].Version < functions[j].Version
	})

	log.Debug().
		Int("count", len(functions)).
		Msg("Listed cached functions")

	return functions, nil
}

// GetFunction describes one materialized cache entry
func (fs *FunctionStore) GetFunction(name, version string) (*models.CachedFunction, error) {
	if err := utils.ValidatePathSegment("function name", name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := utils.ValidatePathSegment("function version", version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	dir := fs.FunctionDir(name, version)
	path := filepath.Join(dir, JSFunctionFile)
	if !utils.FileExists(path) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotCached, name, version)
	}

	cf := &models.CachedFunction{
		Name:     name,
		Version:  version,
		Language: models.LanguageJavaScript,
		Path:     path,
	}
	if utils.FileExists(filepath.Join(dir, TSFunctionFile)) {
		cf.Language = models.LanguageTypeScript
		cf.Compiled = true
	}
	if metadata, err := os.ReadFile(filepath.Join(dir, MetadataFile)); err == nil && json.Valid(metadata) {
		cf.Metadata = metadata
	}
	return cf, nil
}

func validateDescriptor(fn *models.FunctionDescriptor) error {
	if fn == nil {
		return fmt.Errorf("%w: missing", ErrInvalidDescriptor)
	}
	if err := utils.ValidatePathSegment("function name", fn.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := utils.ValidatePathSegment("function version", fn.Version); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return nil
}
