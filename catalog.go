package sketch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/michaelpopov/sketch/model"
	"github.com/michaelpopov/sketch/pool"
)

// Catalog is a namespace of datasets, backed by one directory under the
// engine data path.
type Catalog struct {
	name string
	path string

	logger             *Logger
	metrics            MetricsCollector
	pool               *pool.Pool
	initialNodeRecords uint64

	mu       sync.Mutex
	datasets map[string]*Dataset
}

func newCatalog(name, path string, logger *Logger, metrics MetricsCollector, p *pool.Pool, initialNodeRecords uint64) *Catalog {
	return &Catalog{
		name:               name,
		path:               path,
		logger:             logger,
		metrics:            metrics,
		pool:               p,
		initialNodeRecords: initialNodeRecords,
		datasets:           make(map[string]*Dataset),
	}
}

// Name returns the catalog name.
func (c *Catalog) Name() string { return c.name }

func (c *Catalog) create() error {
	if _, err := os.Stat(c.path); err == nil {
		return fmt.Errorf("catalog directory %q %w", c.path, ErrExists)
	}
	if err := os.Mkdir(c.path, 0o755); err != nil {
		return fmt.Errorf("create catalog directory %q: %w", c.path, err)
	}
	return nil
}

func (c *Catalog) remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, ds := range c.datasets {
		ds.uninit()
		delete(c.datasets, name)
	}
	return os.RemoveAll(c.path)
}

func (c *Catalog) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, ds := range c.datasets {
		ds.uninit()
		delete(c.datasets, name)
	}
}

// CreateDataset creates a dataset with the given metadata: metadata
// file, N node directories with empty stores and version-0 KV indexes.
func (c *Catalog) CreateDataset(name string, md model.Metadata) error {
	if !validIdentifier(name) {
		return &ErrInvalidIdentifier{Name: name}
	}
	if md.Dim <= 0 || md.NodesCount <= 0 {
		return fmt.Errorf("dataset %q needs a positive dimension and node count", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.datasets[name]; found {
		return fmt.Errorf("dataset %q %w", name, ErrExists)
	}

	ds := newDataset(name, filepath.Join(c.path, name), c.logger.WithDataset(c.name, name), c.metrics, c.pool, c.initialNodeRecords)
	if err := ds.create(md); err != nil {
		return err
	}
	c.datasets[name] = ds
	return nil
}

// DropDataset tears a dataset down and removes its directory.
func (c *Catalog) DropDataset(name string) error {
	c.mu.Lock()
	ds, found := c.datasets[name]
	if found {
		delete(c.datasets, name)
	}
	c.mu.Unlock()

	if !found {
		path := filepath.Join(c.path, name)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("dataset %q %w", name, ErrNotFound)
		}
		return os.RemoveAll(path)
	}

	ds.uninit()
	return ds.remove()
}

// ListDatasets returns the dataset names in the catalog directory,
// sorted.
func (c *Catalog) ListDatasets() ([]string, error) {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog directory %q: %w", c.path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// FindDataset returns the dataset, opening it on first use.
func (c *Catalog) FindDataset(name string) (*Dataset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ds, found := c.datasets[name]; found {
		return ds, nil
	}

	path := filepath.Join(c.path, name)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("dataset %q %w", name, ErrNotFound)
	}

	ds := newDataset(name, path, c.logger.WithDataset(c.name, name), c.metrics, c.pool, c.initialNodeRecords)
	if err := ds.init(); err != nil {
		return nil, err
	}
	c.datasets[name] = ds
	return ds, nil
}
