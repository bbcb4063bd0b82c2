package catalog

/*
 Copyright 2019 - 2025 Crunchy Data Solutions, Inc.
 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at
      http://www.apache.org/licenses/LICENSE-2.0
 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package catalog implements the asset deduplicator: a lookup/insert port
// keyed by (grid, loc, size, asset_type, content_hash) backed by a
// database, fronted by an LRU read-through cache, plus a best-effort
// HEAD-check against the configured asset server.

import (
	"context"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/animats/impostorpipeline/internal/model"
	"github.com/animats/impostorpipeline/internal/pipeline/errs"
)

// Store is the persistence port a Catalog needs for tile_assets. It is
// satisfied by storage.DuckDBStore; kept narrow here so catalog does not
// need to depend on the rest of the storage package.
type Store interface {
	LookupAsset(ctx context.Context, rec model.AssetRecord) (uuid.UUID, bool, error)
	InsertAsset(ctx context.Context, rec model.AssetRecord) error
}

// Catalog is the asset-deduplication port.
type Catalog interface {
	// Lookup returns the UUID already on file for rec's dedup key, if any.
	Lookup(ctx context.Context, rec model.AssetRecord) (uuid.UUID, bool, error)
	// Insert records a new asset under rec's dedup key.
	Insert(ctx context.Context, rec model.AssetRecord) error
	// HeadCheck best-effort verifies id still exists on the asset server.
	// Returns true (optimistically) when no prefix is configured.
	HeadCheck(ctx context.Context, id uuid.UUID) bool
}

func dedupKey(rec model.AssetRecord) string {
	return fmt.Sprintf("%s|%d|%d|%d|%d|%s|%08x", rec.Grid, rec.LocX, rec.LocY, rec.SizeX, rec.SizeY, rec.AssetType, rec.ContentHash)
}

// DBCatalog is the production Catalog: a Store-backed table fronted by a
// bounded LRU read-through cache, since viz groups frequently reuse
// identical tiles across LODs. Unlike the HeightFieldCache (internal/scheduler),
// an LRU is appropriate here: lookups can legitimately repeat for the same
// key and eviction under memory pressure just costs an extra DB round trip.
type DBCatalog struct {
	store      Store
	cache      *lru.Cache[string, uuid.UUID]
	prefix     string
	httpClient *http.Client
}

// NewDBCatalog builds a DBCatalog with an LRU cache of cacheSize entries.
// prefix is the asset-server URL prefix used by HeadCheck; an empty prefix
// disables the check (HeadCheck then always returns true).
func NewDBCatalog(store Store, cacheSize int, prefix string, headCheckTimeout time.Duration) (*DBCatalog, error) {
	c, err := lru.New[string, uuid.UUID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: building asset catalog cache: %v", errs.ErrInternal, err)
	}
	return &DBCatalog{
		store:      store,
		cache:      c,
		prefix:     prefix,
		httpClient: &http.Client{Timeout: headCheckTimeout},
	}, nil
}

func (c *DBCatalog) Lookup(ctx context.Context, rec model.AssetRecord) (uuid.UUID, bool, error) {
	key := dedupKey(rec)
	if id, ok := c.cache.Get(key); ok {
		return id, true, nil
	}
	id, ok, err := c.store.LookupAsset(ctx, rec)
	if err != nil {
		return uuid.UUID{}, false, err
	}
	if ok {
		c.cache.Add(key, id)
	}
	return id, ok, nil
}

func (c *DBCatalog) Insert(ctx context.Context, rec model.AssetRecord) error {
	if err := c.store.InsertAsset(ctx, rec); err != nil {
		return err
	}
	c.cache.Add(dedupKey(rec), rec.UUID)
	return nil
}

// HeadCheck issues a bounded, user-agent-tagged HEAD request against
// <prefix><uuid>. Only a definite 404 reports the asset absent; transport
// failures (including timeouts) and other error statuses degrade to
// "unknown" and are logged rather than treated as absent. Catalog content
// always takes precedence over this advisory check.
func (c *DBCatalog) HeadCheck(ctx context.Context, id uuid.UUID) bool {
	if c.prefix == "" {
		return true
	}
	url := c.prefix + id.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		log.Warnf("asset HEAD check: building request for %s: %v", url, err)
		return true
	}
	req.Header.Set("User-Agent", "impostorpipeline-headcheck")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warnf("asset HEAD check: %s: %v (treating as unknown)", url, err)
		return true
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		log.Warnf("asset HEAD check: %s returned status %d (treating as unknown)", url, resp.StatusCode)
	}
	return true
}

// MemCatalog is a plain in-memory Catalog, used by tests and by any future
// dry-run mode that should not touch the database.
type MemCatalog struct {
	m map[string]model.AssetRecord
}

// NewMemCatalog returns an empty in-memory catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{m: make(map[string]model.AssetRecord)}
}

func (c *MemCatalog) Lookup(_ context.Context, rec model.AssetRecord) (uuid.UUID, bool, error) {
	existing, ok := c.m[dedupKey(rec)]
	if !ok {
		return uuid.UUID{}, false, nil
	}
	return existing.UUID, true, nil
}

func (c *MemCatalog) Insert(_ context.Context, rec model.AssetRecord) error {
	key := dedupKey(rec)
	if _, exists := c.m[key]; exists {
		return fmt.Errorf("%w: asset already catalogued for key %s", errs.ErrData, key)
	}
	c.m[key] = rec
	return nil
}

func (c *MemCatalog) HeadCheck(context.Context, uuid.UUID) bool {
	return true
}
