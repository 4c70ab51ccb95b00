// Package boltstore keeps the source catalog, pending reconciliations, and
// visitors in a single BoltDB file for deployments without Postgres.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/MikeSquared-Agency/mirror/internal/identity"
	"github.com/MikeSquared-Agency/mirror/internal/ingest"
)

var (
	bucketSources  = []byte("sources")
	bucketPending  = []byte("pending")
	bucketVisitors = []byte("visitors")
	bucketTokens   = []byte("visitor_tokens")
	bucketAliases  = []byte("aliases")
)

type Store struct {
	db *bolt.DB
}

// Open creates the file and its buckets if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSources, bucketPending, bucketVisitors, bucketTokens, bucketAliases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func key(tenantID, id string) []byte {
	return []byte(tenantID + "\x00" + id)
}

func getJSON(b *bolt.Bucket, k []byte, v any) (bool, error) {
	data := b.Get(k)
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, k []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(k, data)
}

// Catalog

func (s *Store) GetSource(ctx context.Context, tenantID, sourceID string) (ingest.CatalogEntry, bool, error) {
	var e ingest.CatalogEntry
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx.Bucket(bucketSources), key(tenantID, sourceID), &e)
		return err
	})
	if err != nil {
		return ingest.CatalogEntry{}, false, fmt.Errorf("get source: %w", err)
	}
	return e, ok, nil
}

func (s *Store) PutSource(ctx context.Context, e ingest.CatalogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSources), key(e.TenantID, e.SourceID), e)
	})
}

func (s *Store) RemoveSource(ctx context.Context, tenantID, sourceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSources).Delete(key(tenantID, sourceID))
	})
}

func (s *Store) RenameSource(ctx context.Context, tenantID, fromID, toID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSources)
		var e ingest.CatalogEntry
		ok, err := getJSON(b, key(tenantID, fromID), &e)
		if err != nil || !ok {
			return err
		}
		if err := b.Delete(key(tenantID, fromID)); err != nil {
			return err
		}
		e.SourceID = toID
		e.Temporary = false
		return putJSON(b, key(tenantID, toID), e)
	})
}

func (s *Store) ListSources(ctx context.Context, tenantID string) ([]ingest.CatalogEntry, error) {
	var out []ingest.CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSources).Cursor()
		var prefix []byte
		if tenantID != "" {
			prefix = []byte(tenantID + "\x00")
		}
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e ingest.CatalogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return out, nil
}

// Pending reconciliations

func (s *Store) RecordPending(ctx context.Context, r ingest.Reconciliation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		k := key(r.TenantID, r.TempID)
		var existing ingest.Reconciliation
		ok, err := getJSON(b, k, &existing)
		if err != nil {
			return err
		}
		if ok {
			existing.PermanentID = r.PermanentID
			existing.Attempts++
			return putJSON(b, k, existing)
		}
		r.Attempts = 1
		return putJSON(b, k, r)
	})
}

func (s *Store) GetPending(ctx context.Context, tenantID, tempID string) (ingest.Reconciliation, bool, error) {
	var r ingest.Reconciliation
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx.Bucket(bucketPending), key(tenantID, tempID), &r)
		return err
	})
	if err != nil {
		return ingest.Reconciliation{}, false, fmt.Errorf("get pending reconciliation: %w", err)
	}
	return r, ok, nil
}

func (s *Store) RemovePending(ctx context.Context, tenantID, tempID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete(key(tenantID, tempID))
	})
}

func (s *Store) ListPending(ctx context.Context) ([]ingest.Reconciliation, error) {
	var out []ingest.Reconciliation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, v []byte) error {
			var r ingest.Reconciliation
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list pending reconciliations: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (s *Store) RecordAlias(ctx context.Context, a ingest.Alias) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAliases), key(a.TenantID, a.TempID), a)
	})
}

func (s *Store) GetAlias(ctx context.Context, tenantID, tempID string) (ingest.Alias, bool, error) {
	var a ingest.Alias
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx.Bucket(bucketAliases), key(tenantID, tempID), &a)
		return err
	})
	if err != nil {
		return ingest.Alias{}, false, fmt.Errorf("get id alias: %w", err)
	}
	return a, ok, nil
}

func (s *Store) PruneAliases(ctx context.Context, before time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAliases)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a ingest.Alias
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			if a.AppliedAt.Before(before) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune id aliases: %w", err)
	}
	return n, nil
}

// Visitors

func (s *Store) FindVisitors(ctx context.Context, token string) ([]identity.Visitor, error) {
	var out []identity.Visitor
	err := s.db.View(func(tx *bolt.Tx) error {
		var ids []uuid.UUID
		if _, err := getJSON(tx.Bucket(bucketTokens), []byte(token), &ids); err != nil {
			return err
		}
		visitors := tx.Bucket(bucketVisitors)
		for _, id := range ids {
			var v identity.Visitor
			ok, err := getJSON(visitors, id[:], &v)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find visitors: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out, nil
}

// CreateVisitor is atomic because bolt serializes write transactions.
func (s *Store) CreateVisitor(ctx context.Context, v identity.Visitor) (bool, error) {
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		if tokens.Get([]byte(v.ExternalToken)) != nil {
			return nil
		}
		if err := putJSON(tokens, []byte(v.ExternalToken), []uuid.UUID{v.ID}); err != nil {
			return err
		}
		created = true
		return putJSON(tx.Bucket(bucketVisitors), v.ID[:], v)
	})
	if err != nil {
		return false, fmt.Errorf("create visitor: %w", err)
	}
	return created, nil
}

func (s *Store) TouchVisitor(ctx context.Context, id uuid.UUID, seen time.Time, name string) (identity.Visitor, error) {
	var v identity.Visitor
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVisitors)
		ok, err := getJSON(b, id[:], &v)
		if err != nil {
			return err
		}
		if !ok {
			return identity.ErrNotFound
		}
		if seen.After(v.LastSeen) {
			v.LastSeen = seen
		}
		if v.DisplayName == "" && name != "" {
			v.DisplayName = name
		}
		return putJSON(b, id[:], v)
	})
	if err != nil {
		return identity.Visitor{}, fmt.Errorf("touch visitor: %w", err)
	}
	return v, nil
}
