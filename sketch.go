package sketch

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/michaelpopov/sketch/model"
	"github.com/michaelpopov/sketch/pool"
)

// defaultInitialNodeRecords is the slot capacity a node store is created
// with when no option overrides it.
const defaultInitialNodeRecords = 64 * 1024 * 1024

// Engine owns the catalogs under one data path and the shared thread
// pool that serves all dataset fan-out work.
type Engine struct {
	dataPath string
	logger   *Logger
	metrics  MetricsCollector
	pool     *pool.Pool

	initialNodeRecords uint64

	mu       sync.Mutex
	catalogs map[string]*Catalog
	closed   bool
}

// New creates an engine over dataPath, creating the directory when
// needed and enumerating the existing catalogs.
func New(dataPath string, opts ...Option) (*Engine, error) {
	o := options{
		threadPoolSize:     runtime.NumCPU(),
		initialNodeRecords: defaultInitialNodeRecords,
		logger:             NoopLogger(),
		metrics:            NoopMetricsCollector{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.threadPoolSize < 4 {
		o.threadPoolSize = 4
	}

	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data path %q: %w", dataPath, err)
	}

	e := &Engine{
		dataPath:           dataPath,
		logger:             o.logger,
		metrics:            o.metrics,
		pool:               pool.New(o.threadPoolSize),
		initialNodeRecords: o.initialNodeRecords,
		catalogs:           make(map[string]*Catalog),
	}

	entries, err := os.ReadDir(dataPath)
	if err != nil {
		e.pool.Close()
		return nil, fmt.Errorf("read data path %q: %w", dataPath, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		e.catalogs[name] = e.newCatalog(name)
	}

	e.logger.Info("engine initialized", "data_path", dataPath, "catalogs", len(e.catalogs), "workers", o.threadPoolSize)
	return e, nil
}

func (e *Engine) newCatalog(name string) *Catalog {
	return newCatalog(name, filepath.Join(e.dataPath, name), e.logger, e.metrics, e.pool, e.initialNodeRecords)
}

// Close tears down every open dataset (draining in-flight operations)
// and stops the thread pool.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	catalogs := make([]*Catalog, 0, len(e.catalogs))
	for _, c := range e.catalogs {
		catalogs = append(catalogs, c)
	}
	e.mu.Unlock()

	for _, c := range catalogs {
		c.close()
	}
	e.pool.Close()
	return nil
}

// Pool returns the shared fan-out thread pool.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// CreateCatalog creates a catalog directory.
func (e *Engine) CreateCatalog(name string) Result {
	if !validIdentifier(name) {
		return fail(&ErrInvalidIdentifier{Name: name})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fail(ErrShuttingDown)
	}
	if _, found := e.catalogs[name]; found {
		return failf("catalog %q already exists", name)
	}

	c := e.newCatalog(name)
	if err := c.create(); err != nil {
		return fail(err)
	}
	e.catalogs[name] = c
	return ok()
}

// DropCatalog removes a catalog and all its datasets.
func (e *Engine) DropCatalog(name string) Result {
	e.mu.Lock()
	c, found := e.catalogs[name]
	if found {
		delete(e.catalogs, name)
	}
	e.mu.Unlock()

	if !found {
		return failf("catalog %q not found", name)
	}
	if err := c.remove(); err != nil {
		return fail(err)
	}
	return ok()
}

// ListCatalogs returns the catalog names as a content message, one per
// line.
func (e *Engine) ListCatalogs() Result {
	e.mu.Lock()
	names := make([]string, 0, len(e.catalogs))
	for name := range e.catalogs {
		names = append(names, name)
	}
	e.mu.Unlock()

	sort.Strings(names)
	return content(strings.Join(names, "\n"))
}

func (e *Engine) catalog(name string) (*Catalog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShuttingDown
	}
	c, found := e.catalogs[name]
	if !found {
		return nil, fmt.Errorf("catalog %q %w", name, ErrNotFound)
	}
	return c, nil
}

// CreateDataset creates a dataset in the catalog.
func (e *Engine) CreateDataset(catalogName, name string, md model.Metadata) Result {
	c, err := e.catalog(catalogName)
	if err != nil {
		return fail(err)
	}
	if err := c.CreateDataset(name, md); err != nil {
		return fail(err)
	}
	return ok()
}

// DropDataset removes a dataset from the catalog.
func (e *Engine) DropDataset(catalogName, name string) Result {
	c, err := e.catalog(catalogName)
	if err != nil {
		return fail(err)
	}
	if err := c.DropDataset(name); err != nil {
		return fail(err)
	}
	return ok()
}

// ListDatasets returns the dataset names of a catalog as a content
// message, one per line.
func (e *Engine) ListDatasets(catalogName string) Result {
	c, err := e.catalog(catalogName)
	if err != nil {
		return fail(err)
	}
	names, err := c.ListDatasets()
	if err != nil {
		return fail(err)
	}
	return content(strings.Join(names, "\n"))
}

// ShowDataset returns a dataset's metadata and node statistics as a
// content message.
func (e *Engine) ShowDataset(catalogName, name string) Result {
	ds, err := e.FindDataset(catalogName, name)
	if err != nil {
		return fail(err)
	}
	return ds.Show()
}

// FindDataset resolves a dataset, opening it on first use.
func (e *Engine) FindDataset(catalogName, name string) (*Dataset, error) {
	c, err := e.catalog(catalogName)
	if err != nil {
		return nil, err
	}
	return c.FindDataset(name)
}
