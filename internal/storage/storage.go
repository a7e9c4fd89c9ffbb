// Package storage persists document trees between sessions.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gihan9a/collabsync/internal/config"
	"gihan9a/collabsync/pkg/editorproto"

	"github.com/cenkalti/backoff"
	"github.com/wI2L/jsondiff"
)

// Storage loads and saves the top-level nodes of a document.
// Load returns nil, nil for a document that was never saved.
type Storage interface {
	Load(ctx context.Context, id string) ([]editorproto.Node, error)
	Save(ctx context.Context, id string, nodes []editorproto.Node) error
	Close() error
}

// Watcher is implemented by backends that notice documents changed by someone
// other than this process.
type Watcher interface {
	Watch(ctx context.Context, onChange func(id string)) error
}

// Open returns the backend named by cfg.Storage.Backend
func Open(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.Storage.Backend {
	case "", "file":
		return NewFileStore(cfg.RootDir)
	case "bolt":
		return NewBoltStore(cfg.Storage.BoltPath)
	case "redis":
		return NewRedisStore(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPrefix)
	case "postgres":
		return NewPostgresStore(ctx, cfg.Storage.PostgresURL)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

func encode(nodes []editorproto.Node) ([]byte, error) {
	if nodes == nil {
		nodes = []editorproto.Node{}
	}
	return json.Marshal(nodes)
}

func decode(data []byte) ([]editorproto.Node, error) {
	nodes := []editorproto.Node{}
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("error decoding document: %w", err)
	}
	return nodes, nil
}

// unchanged reports whether writing next over prev would be a no-op
func unchanged(prev, next []byte) bool {
	if prev == nil {
		return false
	}
	patch, err := jsondiff.CompareJSON(prev, next)
	if err != nil {
		return false
	}
	return len(patch) == 0
}

// retry runs fn until it succeeds, ctx ends or the backoff gives up
func retry(ctx context.Context, what string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Printf("%s not reachable, retrying in %s: %v", what, wait, err)
	})
}
