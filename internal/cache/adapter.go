package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TheMichaelB/tasksync/internal/config"
	"github.com/TheMichaelB/tasksync/internal/events"
	"github.com/TheMichaelB/tasksync/internal/models"
)

// Key prefixes.
const (
	CollectionPrefix = "collection/"
	QueuePrefix      = "queue/"
)

// record is the versioned document the adapter stores under each key.
type record struct {
	SchemaVersion int                     `json:"schema_version"`
	Collection    *models.CollectionState `json:"collection,omitempty"`
	Queue         *models.QueueSnapshot   `json:"queue,omitempty"`
}

// Adapter serializes collection snapshots and queues onto a Store.
type Adapter struct {
	store  Store
	logger *events.Logger
}

// NewAdapter wraps store.
func NewAdapter(store Store, logger *events.Logger) *Adapter {
	return &Adapter{
		store:  store,
		logger: logger.WithField("component", "cache_adapter"),
	}
}

// OpenStore builds the Store selected by cfg.
func OpenStore(cfg *config.CacheConfig, logger *events.Logger) (Store, error) {
	switch cfg.Backend {
	case config.CacheBackendFile:
		return NewFileStore(cfg.Dir, logger)
	case config.CacheBackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case config.CacheBackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// CollectionKey returns the key a collection snapshot is stored under.
func CollectionKey(c models.Collection) string {
	return CollectionPrefix + string(c)
}

// QueueKey returns the key an identity's queue is stored under.
func QueueKey(identity string) string {
	return QueuePrefix + identity
}

// SaveCollection persists a collection snapshot.
func (a *Adapter) SaveCollection(state *models.CollectionState) error {
	return a.save(CollectionKey(state.Collection), record{
		SchemaVersion: CurrentSchemaVersion,
		Collection:    state,
	})
}

// LoadCollection returns the last saved snapshot, or ErrNotFound.
func (a *Adapter) LoadCollection(c models.Collection) (*models.CollectionState, error) {
	key := CollectionKey(c)

	rec, err := a.load(key)
	if err != nil {
		return nil, err
	}
	if rec.Collection == nil {
		return nil, fmt.Errorf("%w: %s holds no collection", ErrCorrupt, key)
	}
	if rec.Collection.Items == nil {
		rec.Collection.Items = []models.Item{}
	}
	if err := rec.Collection.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	return rec.Collection, nil
}

// DeleteCollection removes a collection snapshot.
func (a *Adapter) DeleteCollection(c models.Collection) error {
	return a.store.Delete(CollectionKey(c))
}

// SaveQueue persists an identity's queue.
func (a *Adapter) SaveQueue(snapshot *models.QueueSnapshot) error {
	if snapshot.Identity == "" {
		return errors.New("save queue: identity is required")
	}
	return a.save(QueueKey(snapshot.Identity), record{
		SchemaVersion: CurrentSchemaVersion,
		Queue:         snapshot,
	})
}

// LoadQueue returns the persisted queue of identity, or ErrNotFound.
func (a *Adapter) LoadQueue(identity string) (*models.QueueSnapshot, error) {
	key := QueueKey(identity)

	rec, err := a.load(key)
	if err != nil {
		return nil, err
	}
	if rec.Queue == nil {
		return nil, fmt.Errorf("%w: %s holds no queue", ErrCorrupt, key)
	}

	return rec.Queue, nil
}

// DeleteQueue removes an identity's persisted queue.
func (a *Adapter) DeleteQueue(identity string) error {
	return a.store.Delete(QueueKey(identity))
}

// QueueIdentities lists identities with a persisted queue.
func (a *Adapter) QueueIdentities() ([]string, error) {
	keys, err := a.store.Keys()
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, key := range keys {
		if strings.HasPrefix(key, QueuePrefix) {
			ids = append(ids, strings.TrimPrefix(key, QueuePrefix))
		}
	}
	return ids, nil
}

// Keys lists every stored key.
func (a *Adapter) Keys() ([]string, error) {
	return a.store.Keys()
}

// Raw returns the stored document under key.
func (a *Adapter) Raw(key string) ([]byte, error) {
	return a.store.Load(key)
}

// Close closes the underlying store.
func (a *Adapter) Close() error {
	return a.store.Close()
}

func (a *Adapter) save(key string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if err := a.store.Save(key, data); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}

	return nil
}

func (a *Adapter) load(key string) (*record, error) {
	data, err := a.store.Load(key)
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}

	if rec.SchemaVersion != CurrentSchemaVersion {
		a.logger.WithFields(map[string]interface{}{
			"key":     key,
			"version": rec.SchemaVersion,
		}).Warn("Discarding cache entry with unknown schema version")
		return nil, fmt.Errorf("%w: %s schema version %d", ErrNotFound, key, rec.SchemaVersion)
	}

	return &rec, nil
}
