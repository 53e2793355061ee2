// Package leveldb implements registry.Registry on an embedded LevelDB
// database, for single-node deployments without PostgreSQL.
//
// Conditional writes are serialized by a process-wide mutex, so a
// database directory must not be shared between processes.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/terrpan/agentfleet/internal/registry"
	"github.com/terrpan/agentfleet/internal/runner"
)

const keyPrefix = "runner/"

// Store is a LevelDB-backed runner registry.
type Store struct {
	db    *leveldb.DB
	mutex sync.RWMutex
	now   func() time.Time
}

// Compile-time check that Store satisfies the registry.Registry interface.
var _ registry.Registry = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := &opt.Options{
		CompactionTableSize: 2 * 1024 * 1024, // 2MB
		WriteBuffer:         1 * 1024 * 1024, // 1MB
	}
	db, err := leveldb.OpenFile(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return newStore(db), nil
}

// OpenMemory returns a Store backed by memory only.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory leveldb: %w", err)
	}
	return newStore(db), nil
}

func newStore(db *leveldb.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// record is the stored form of a runner.
type record struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	OrganizationID    *string    `json:"organizationId,omitempty"`
	Name              string     `json:"name"`
	Provider          string     `json:"provider"`
	Region            string     `json:"region"`
	ServerType        string     `json:"serverType"`
	MaxConcurrentJobs int        `json:"maxConcurrentJobs"`
	Credential        []byte     `json:"credential"`
	APIKeyHash        string     `json:"apiKeyHash,omitempty"`
	Status            string     `json:"status"`
	StatusReason      string     `json:"statusReason,omitempty"`
	StatusDetail      string     `json:"statusDetail,omitempty"`
	ProviderServerID  *string    `json:"providerServerId,omitempty"`
	IPAddress         *string    `json:"ipAddress,omitempty"`
	LastHeartbeat     *time.Time `json:"lastHeartbeat,omitempty"`
	CPUUsage          *float64   `json:"cpuUsage,omitempty"`
	MemoryUsage       *float64   `json:"memoryUsage,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func toRecord(r *runner.Runner) record {
	return record{
		ID:                r.ID,
		UserID:            r.UserID,
		OrganizationID:    r.OrganizationID,
		Name:              r.Name,
		Provider:          r.Provider,
		Region:            r.Region,
		ServerType:        r.ServerType,
		MaxConcurrentJobs: r.MaxConcurrentJobs,
		Credential:        r.Credential,
		APIKeyHash:        r.APIKeyHash,
		Status:            string(r.Status),
		StatusReason:      r.StatusReason,
		StatusDetail:      r.StatusDetail,
		ProviderServerID:  r.ProviderServerID,
		IPAddress:         r.IPAddress,
		LastHeartbeat:     r.LastHeartbeat,
		CPUUsage:          r.CPUUsage,
		MemoryUsage:       r.MemoryUsage,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (rec record) runner() *runner.Runner {
	return &runner.Runner{
		ID:                rec.ID,
		UserID:            rec.UserID,
		OrganizationID:    rec.OrganizationID,
		Name:              rec.Name,
		Provider:          rec.Provider,
		Region:            rec.Region,
		ServerType:        rec.ServerType,
		MaxConcurrentJobs: rec.MaxConcurrentJobs,
		Credential:        rec.Credential,
		APIKeyHash:        rec.APIKeyHash,
		Status:            runner.Status(rec.Status),
		StatusReason:      rec.StatusReason,
		StatusDetail:      rec.StatusDetail,
		ProviderServerID:  rec.ProviderServerID,
		IPAddress:         rec.IPAddress,
		LastHeartbeat:     rec.LastHeartbeat,
		CPUUsage:          rec.CPUUsage,
		MemoryUsage:       rec.MemoryUsage,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func key(id string) []byte { return []byte(keyPrefix + id) }

func (s *Store) Create(_ context.Context, r *runner.Runner) error {
	if !r.Status.Valid() {
		return fmt.Errorf("invalid runner status %q", r.Status)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if ok, err := s.db.Has(key(r.ID), nil); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("runner %s already exists", r.ID)
	}
	return s.put(toRecord(r))
}

func (s *Store) Get(_ context.Context, id string) (*runner.Runner, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return rec.runner(), nil
}

func (s *Store) ListByUser(_ context.Context, userID string) ([]*runner.Runner, error) {
	out, err := s.scan(func(rec record) bool { return rec.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListByStatus(_ context.Context, statuses ...runner.Status) ([]*runner.Runner, error) {
	out, err := s.scan(func(rec record) bool { return slices.Contains(statuses, runner.Status(rec.Status)) })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) Update(_ context.Context, id string, p runner.Patch, expect ...runner.Status) (*runner.Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}
	r := rec.runner()
	if len(expect) > 0 && !slices.Contains(expect, r.Status) {
		return nil, registry.ErrConflict
	}

	p.Apply(r)
	r.UpdatedAt = s.now()
	if err := s.put(toRecord(r)); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) RecordHeartbeat(_ context.Context, id string, hb runner.Heartbeat, expect ...runner.Status) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, err := s.get(id)
	if err != nil {
		return err
	}
	if !slices.Contains(expect, runner.Status(rec.Status)) {
		return registry.ErrConflict
	}

	at, cpu, mem := hb.At, hb.CPUUsage, hb.MemoryUsage
	rec.LastHeartbeat = &at
	rec.CPUUsage = &cpu
	rec.MemoryUsage = &mem
	return s.put(rec)
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if ok, err := s.db.Has(key(id), nil); err != nil {
		return err
	} else if !ok {
		return registry.ErrNotFound
	}
	return s.db.Delete(key(id), nil)
}

// get reads one record.  The caller holds the mutex.
func (s *Store) get(id string) (record, error) {
	data, err := s.db.Get(key(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return record{}, registry.ErrNotFound
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal runner %s: %w", id, err)
	}
	return rec, nil
}

// put writes one record.  The caller holds the mutex.
func (s *Store) put(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal runner %s: %w", rec.ID, err)
	}
	return s.db.Put(key(rec.ID), data, nil)
}

func (s *Store) scan(match func(record) bool) ([]*runner.Runner, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var out []*runner.Runner
	for iter.Next() {
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runner %s: %w", iter.Key(), err)
		}
		if match(rec) {
			out = append(out, rec.runner())
		}
	}
	return out, iter.Error()
}
