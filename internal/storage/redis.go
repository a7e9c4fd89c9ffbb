package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gihan9a/collabsync/internal/utils"
	"gihan9a/collabsync/pkg/editorproto"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps documents as JSON strings under prefix+id. Every save is
// announced on the prefix+"updates" channel so other servers sharing the same
// redis can drop their stale copy.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	instance string
}

func NewRedisStore(ctx context.Context, addr, prefix string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	err := retry(ctx, "redis at "+addr, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	log.Printf("Connected to redis at %s", addr)
	return &RedisStore{rdb: rdb, prefix: prefix, instance: utils.GenerateRandomID()}, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "doc:" + id
}

func (s *RedisStore) channel() string {
	return s.prefix + "updates"
}

func (s *RedisStore) Load(ctx context.Context, id string) ([]editorproto.Node, error) {
	data, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading document %s: %w", id, err)
	}
	return decode(data)
}

func (s *RedisStore) Save(ctx context.Context, id string, nodes []editorproto.Node) error {
	data, err := encode(nodes)
	if err != nil {
		return err
	}
	prev, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err == nil && unchanged(prev, data) {
		return nil
	}
	if err := s.rdb.Set(ctx, s.key(id), data, 0).Err(); err != nil {
		return fmt.Errorf("error writing document %s: %w", id, err)
	}
	if err := s.rdb.Publish(ctx, s.channel(), s.instance+" "+id).Err(); err != nil {
		log.Printf("Error publishing update of %s: %v", id, err)
	}
	return nil
}

// Watch reports documents saved by other instances
func (s *RedisStore) Watch(ctx context.Context, onChange func(id string)) error {
	pubsub := s.rdb.Subscribe(ctx, s.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("error subscribing to %s: %w", s.channel(), err)
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				from, id, found := strings.Cut(msg.Payload, " ")
				if !found || from == s.instance {
					continue
				}
				log.Printf("Document %s changed on another instance", id)
				onChange(id)
			}
		}
	}()
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
