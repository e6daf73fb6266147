package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/destiny-evidence/destiny-repository/pkg/log"
	"github.com/destiny-evidence/destiny-repository/pkg/metrics"
	"github.com/destiny-evidence/destiny-repository/pkg/search"
	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// copyPageSize is the reindex page size
const copyPageSize = 500

// aliasMeta is the on-disk pointer from an alias to its concrete index
type aliasMeta struct {
	Current string `json:"current"`
	Version int    `json:"version"`
}

// Manager owns the versioned indices behind one stable alias. Clients hold
// the guarded index; Migrate and Rollback swap the concrete index under it
// atomically, so readers never see a half-switched alias.
type Manager struct {
	dir       string
	aliasName string

	mu      sync.RWMutex
	alias   bleve.IndexAlias
	current bleve.Index
	meta    aliasMeta
	open    map[string]bleve.Index
}

// NewManager opens the alias at dir, bootstrapping <alias>_v1 when no meta
// file exists yet
func NewManager(dir, aliasName string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index dir: %w", err)
	}

	m := &Manager{
		dir:       dir,
		aliasName: aliasName,
		open:      make(map[string]bleve.Index),
	}

	meta, err := m.readMeta()
	if os.IsNotExist(err) {
		meta = aliasMeta{Current: aliasName + "_v1", Version: 1}
		if _, err := m.createIndex(meta.Current); err != nil {
			return nil, err
		}
		if err := m.writeMeta(meta); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	current, err := m.openIndex(meta.Current)
	if err != nil {
		return nil, err
	}
	m.meta = meta
	m.current = current
	m.alias = bleve.NewIndexAlias(current)
	return m, nil
}

// Guarded returns the index clients write and search through. Writes are
// held off during the final migration pass; searches are never blocked.
func (m *Manager) Guarded() search.Index {
	return &guardedIndex{m: m}
}

// CurrentIndex returns the concrete index name behind the alias
func (m *Manager) CurrentIndex() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta.Current
}

// Version returns the current index version number
func (m *Manager) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta.Version
}

// Migrate reindexes into a fresh versioned index and atomically repoints
// the alias. The first copy pass runs without blocking writers; the second
// pass runs under the write block and catches everything written between.
func (m *Manager) Migrate() (string, error) {
	logger := log.WithComponent("index")

	m.mu.RLock()
	source := m.current
	meta := m.meta
	m.mu.RUnlock()

	newMeta := aliasMeta{
		Version: meta.Version + 1,
		Current: fmt.Sprintf("%s_v%d", m.aliasName, meta.Version+1),
	}
	dest, err := m.createIndex(newMeta.Current)
	if err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("migrate", "error").Inc()
		return "", err
	}

	logger.Info().Str("source", meta.Current).Str("dest", newMeta.Current).Msg("migration first pass")
	if err := copyDocs(source, dest); err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("migrate", "error").Inc()
		return "", err
	}

	// write block; readers keep hitting the old index through the alias
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.Info().Str("dest", newMeta.Current).Msg("migration second pass under write block")
	if err := copyDocs(m.current, dest); err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("migrate", "error").Inc()
		return "", err
	}

	m.alias.Swap([]bleve.Index{dest}, []bleve.Index{m.current})
	m.current = dest
	m.meta = newMeta
	if err := m.writeMeta(newMeta); err != nil {
		return "", err
	}

	metrics.IndexOperationsTotal.WithLabelValues("migrate", "ok").Inc()
	logger.Info().Str("current", newMeta.Current).Msg("alias switched")
	return newMeta.Current, nil
}

// Rollback atomically repoints the alias to an earlier version. Versions
// at or below zero are refused.
func (m *Manager) Rollback(targetVersion int) error {
	if targetVersion <= 0 {
		return types.NewError(types.KindUnitOfWork, "cannot roll back to version %d", targetVersion)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if targetVersion == m.meta.Version {
		return nil
	}
	targetName := fmt.Sprintf("%s_v%d", m.aliasName, targetVersion)
	target, err := m.openIndex(targetName)
	if err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("rollback", "error").Inc()
		return err
	}

	m.alias.Swap([]bleve.Index{target}, []bleve.Index{m.current})
	m.current = target
	m.meta = aliasMeta{Current: targetName, Version: targetVersion}
	if err := m.writeMeta(m.meta); err != nil {
		return err
	}

	metrics.IndexOperationsTotal.WithLabelValues("rollback", "ok").Inc()
	logger := log.WithComponent("index")
	logger.Warn().Str("current", targetName).Msg("alias rolled back")
	return nil
}

// Rebuild destroys the current index and recreates it empty under the same
// name. The caller must follow with a repair walk to repopulate it.
func (m *Manager) Rebuild() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.meta.Current
	old := m.current

	fresh, err := m.recreateIndex(name, old)
	if err != nil {
		metrics.IndexOperationsTotal.WithLabelValues("rebuild", "error").Inc()
		return err
	}

	m.alias.Swap([]bleve.Index{fresh}, []bleve.Index{old})
	m.current = fresh

	metrics.IndexOperationsTotal.WithLabelValues("rebuild", "ok").Inc()
	logger := log.WithComponent("index")
	logger.Warn().Str("index", name).Msg("index rebuilt empty, repair required")
	return nil
}

// Delete removes a retired index from disk. The aliased index is refused.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == m.meta.Current {
		return types.NewError(types.KindUnitOfWork, "index %s is aliased and cannot be deleted", name)
	}
	if !strings.HasPrefix(name, m.aliasName+"_v") {
		return types.InvalidPayloadError("index %s does not belong to alias %s", name, m.aliasName)
	}
	if idx, ok := m.open[name]; ok {
		idx.Close()
		delete(m.open, name)
	}
	if err := os.RemoveAll(filepath.Join(m.dir, name)); err != nil {
		return err
	}
	metrics.IndexOperationsTotal.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Close closes every open index
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for name, idx := range m.open {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, name)
	}
	return firstErr
}

// ParseVersion extracts the version number from a concrete index name
func ParseVersion(aliasName, indexName string) (int, error) {
	suffix, ok := strings.CutPrefix(indexName, aliasName+"_v")
	if !ok {
		return 0, types.InvalidPayloadError("index %s does not belong to alias %s", indexName, aliasName)
	}
	return strconv.Atoi(suffix)
}

func (m *Manager) metaPath() string {
	return filepath.Join(m.dir, m.aliasName+".alias.json")
}

func (m *Manager) readMeta() (aliasMeta, error) {
	var meta aliasMeta
	data, err := os.ReadFile(m.metaPath())
	if err != nil {
		return meta, err
	}
	return meta, json.Unmarshal(data, &meta)
}

func (m *Manager) writeMeta(meta aliasMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(m.metaPath(), data, 0644)
}

func (m *Manager) createIndex(name string) (bleve.Index, error) {
	idx, err := bleve.New(filepath.Join(m.dir, name), search.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create index %s: %w", name, err)
	}
	m.open[name] = idx
	return idx, nil
}

func (m *Manager) openIndex(name string) (bleve.Index, error) {
	if idx, ok := m.open[name]; ok {
		return idx, nil
	}
	idx, err := bleve.Open(filepath.Join(m.dir, name))
	if err != nil {
		return nil, types.WrapError(types.KindNotFound, err, "index %s", name)
	}
	m.open[name] = idx
	return idx, nil
}

func (m *Manager) recreateIndex(name string, old bleve.Index) (bleve.Index, error) {
	if err := old.Close(); err != nil {
		return nil, err
	}
	delete(m.open, name)
	if err := os.RemoveAll(filepath.Join(m.dir, name)); err != nil {
		return nil, err
	}
	return m.createIndex(name)
}

// copyDocs pages every document from src into dest. Conflicts proceed:
// reindexing the same id twice is an upsert.
func copyDocs(src, dest bleve.Index) error {
	for from := 0; ; from += copyPageSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), copyPageSize, from, false)
		req.Fields = []string{"*"}
		req.SortBy([]string{"id"})

		res, err := src.Search(req)
		if err != nil {
			return types.WrapError(types.KindSearchQuery, err, "reindex scan failed")
		}
		if len(res.Hits) == 0 {
			return nil
		}

		batch := dest.NewBatch()
		for _, hit := range res.Hits {
			doc := search.DocFromFields(hit.ID, hit.Fields)
			if err := batch.Index(hit.ID, doc); err != nil {
				return err
			}
		}
		if err := dest.Batch(batch); err != nil {
			return types.WrapError(types.KindProjection, err, "reindex write failed")
		}
	}
}

// guardedIndex is the alias handed to clients. Writes take the read side
// of the manager lock so the migration write block excludes them; searches
// go straight to the alias.
type guardedIndex struct {
	m *Manager
}

func (g *guardedIndex) Index(id string, data interface{}) error {
	g.m.mu.RLock()
	defer g.m.mu.RUnlock()
	return g.m.current.Index(id, data)
}

func (g *guardedIndex) Delete(id string) error {
	g.m.mu.RLock()
	defer g.m.mu.RUnlock()
	return g.m.current.Delete(id)
}

func (g *guardedIndex) Search(req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	return g.m.alias.Search(req)
}

func (g *guardedIndex) DocCount() (uint64, error) {
	g.m.mu.RLock()
	defer g.m.mu.RUnlock()
	return g.m.current.DocCount()
}

func (g *guardedIndex) Close() error {
	// lifecycle belongs to the manager
	return nil
}
