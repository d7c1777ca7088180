// Package cache keeps history pages in Redis so reopening a channel does not
// hit the REST API again.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tOgg1/scrollback/internal/fetch"
	"github.com/tOgg1/scrollback/internal/history"
	"github.com/tOgg1/scrollback/internal/logging"
	"github.com/tOgg1/scrollback/internal/models"
	"github.com/tOgg1/scrollback/internal/snowflake"
)

const (
	keyPrefix  = "scrollback"
	DefaultTTL = 10 * time.Minute
)

// Redis is a read-through page cache in front of another Fetcher.
type Redis struct {
	cli    *redis.Client
	next   fetch.Fetcher
	ttl    time.Duration
	logger zerolog.Logger
}

// Connect connects to the Redis server and pings it to make sure the
// connection works.
func Connect(ctx context.Context, addr string, next fetch.Fetcher, ttl time.Duration) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli, next, ttl), nil
}

// New wraps an existing client.
func New(cli *redis.Client, next fetch.Fetcher, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{cli: cli, next: next, ttl: ttl, logger: logging.Component("cache")}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

var _ fetch.Fetcher = (*Redis)(nil)

// FetchPage implements fetch.Fetcher. Cache errors fall through to the
// wrapped fetcher.
func (r *Redis) FetchPage(ctx context.Context, channelID, anchor snowflake.ID, dir history.Direction, limit int) (fetch.Page, error) {
	key := pageKey(channelID, anchor, dir, limit)

	data, err := r.cli.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cp cachedPage
		if err := json.Unmarshal(data, &cp); err == nil {
			return cp.page(), nil
		}
		r.logger.Warn().Str("key", key).Msg("dropping undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		r.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	page, err := r.next.FetchPage(ctx, channelID, anchor, dir, limit)
	if err != nil {
		return page, err
	}
	if cacheable(anchor, dir, page) {
		if err := r.store(ctx, channelID, key, page); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return page, nil
}

func (r *Redis) store(ctx context.Context, channelID snowflake.ID, key string, page fetch.Page) error {
	data, err := json.Marshal(cachedPage{Messages: page.Messages, WasFull: page.WasFull})
	if err != nil {
		return err
	}
	index := indexKey(channelID)
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.ttl)
		pipe.SAdd(ctx, index, key)
		pipe.Expire(ctx, index, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store page: %w", err)
	}
	return nil
}

// Invalidate drops every cached page of a channel.
func (r *Redis) Invalidate(ctx context.Context, channelID snowflake.ID) error {
	index := indexKey(channelID)
	keys, err := r.cli.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("smembers: %w", err)
	}
	if err := r.cli.Del(ctx, append(keys, index)...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Apply invalidates the channel an event changes.
func (r *Redis) Apply(ctx context.Context, ev models.Event) error {
	if ev.ChannelID.IsZero() {
		return nil
	}
	return r.Invalidate(ctx, ev.ChannelID)
}

// cacheable reports whether a page describes history that cannot grow.
// The latest page and short pages at the head of the channel change as
// messages arrive.
func cacheable(anchor snowflake.ID, dir history.Direction, page fetch.Page) bool {
	switch dir {
	case history.Before:
		return !anchor.IsZero()
	case history.After, history.Around:
		return page.WasFull
	default:
		return false
	}
}

func pageKey(channelID, anchor snowflake.ID, dir history.Direction, limit int) string {
	return fmt.Sprintf("%s:page:%s:%s:%s:%d", keyPrefix, channelID, dir, anchor, limit)
}

func indexKey(channelID snowflake.ID) string {
	return fmt.Sprintf("%s:pages:%s", keyPrefix, channelID)
}

type cachedPage struct {
	Messages []models.Message `json:"messages"`
	WasFull  bool             `json:"was_full"`
}

func (c cachedPage) page() fetch.Page {
	return fetch.Page{Messages: c.Messages, WasFull: c.WasFull}
}
