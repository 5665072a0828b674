// Package herdclient is the embeddable client for applications built on the
// sync core. It opens the local cache, captures record changes while offline,
// and optionally drives a background sync loop through an injected syncer.
package herdclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pasturetech/herdsync/internal/localstore"
	"github.com/pasturetech/herdsync/internal/syncengine"
	"github.com/pasturetech/herdsync/internal/types"
)

// ErrClosed is returned by all operations after Close.
var ErrClosed = errors.New("client is closed")

// Syncer drives sync cycles for the client's tenant. Usually a
// syncengine.Engine; nil leaves the client local-only.
type Syncer interface {
	FullSync(ctx context.Context, tenantID string) (*syncengine.Report, error)
}

// Config configures a client.
type Config struct {
	// LocalPath is the SQLite cache file. Required.
	LocalPath string
	// TenantID scopes every operation. Required.
	TenantID string
	// Syncer pushes and pulls against the remote stores. Optional.
	Syncer Syncer
	// AutoSync starts a background sync loop when a Syncer is set.
	AutoSync bool
	// SyncInterval is the loop period. Defaults to 5 minutes.
	SyncInterval time.Duration
}

// Client is the tenant-scoped handle over the local cache.
type Client struct {
	config Config
	store  *localstore.Store

	mu       sync.RWMutex
	closed   bool
	syncDone chan struct{}
}

// New creates a client and opens its local cache.
func New(config Config) (*Client, error) {
	if config.LocalPath == "" {
		return nil, errors.New("LocalPath is required")
	}
	if config.TenantID == "" {
		return nil, errors.New("TenantID is required")
	}
	if config.SyncInterval == 0 {
		config.SyncInterval = 5 * time.Minute
	}

	store, err := localstore.NewStore(config.LocalPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:   config,
		store:    store,
		syncDone: make(chan struct{}),
	}

	if config.AutoSync && config.Syncer != nil {
		go c.syncLoop()
	}

	return c, nil
}

// Close stops the sync loop, attempts one final sync, and closes the cache.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.syncDone)

	if c.config.Syncer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, _ = c.config.Syncer.FullSync(ctx, c.config.TenantID)
		cancel()
	}

	return c.store.Close()
}

// Add stores a new record and queues its creation for the remote stores.
func (c *Client) Add(ctx context.Context, table types.Table, payload []byte) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return "", ErrClosed
	}
	return c.store.Add(ctx, c.config.TenantID, table, payload)
}

// Update merges a partial patch into a record and queues the change.
func (c *Client) Update(ctx context.Context, table types.Table, id string, patch []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.store.Update(ctx, c.config.TenantID, table, id, patch)
}

// Delete soft-deletes a record and queues the delete.
func (c *Client) Delete(ctx context.Context, table types.Table, id string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return c.store.Delete(ctx, c.config.TenantID, table, id)
}

// Get returns one live record.
func (c *Client) Get(ctx context.Context, table types.Table, id string) (*types.CachedRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.store.Get(ctx, c.config.TenantID, table, id)
}

// List returns every live record in a table.
func (c *Client) List(ctx context.Context, table types.Table) ([]types.CachedRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.store.GetAll(ctx, c.config.TenantID, table)
}

// Status returns the tenant's sync state, including the live count of
// pending mutations.
func (c *Client) Status(ctx context.Context) (*types.SyncStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.store.SyncStatus(ctx, c.config.TenantID)
}

// Sync runs one full cycle immediately. Returns an error when no syncer is
// configured.
func (c *Client) Sync(ctx context.Context) (*syncengine.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.config.Syncer == nil {
		return nil, errors.New("no syncer configured")
	}
	return c.config.Syncer.FullSync(ctx, c.config.TenantID)
}

func (c *Client) syncLoop() {
	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.syncDone:
			return
		case <-ticker.C:
			c.mu.RLock()
			if !c.closed {
				ctx, cancel := context.WithTimeout(context.Background(), c.config.SyncInterval)
				_, _ = c.config.Syncer.FullSync(ctx, c.config.TenantID)
				cancel()
			}
			c.mu.RUnlock()
		}
	}
}
