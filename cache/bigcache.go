// Package cache 提供基于 allegro/bigcache 的进程内结果缓存, 保存定价结果快照.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/wyfcoding/quantcore/amc"
	"github.com/wyfcoding/quantcore/config"
	"github.com/wyfcoding/quantcore/xerrors"
)

// BigCache 使用 `allegro/bigcache` 作为底层存储, 值以 JSON 保存.
// BigCache 对所有项统一设置过期时间.
type BigCache struct {
	cache *bigcache.BigCache
}

var _ amc.ResultCache = (*BigCache)(nil)

// NewBigCache 创建缓存实例. maxMB 为 0 时不限制容量.
func NewBigCache(ttl time.Duration, maxMB int) (*BigCache, error) {
	conf := bigcache.DefaultConfig(ttl)
	conf.HardMaxCacheSize = maxMB
	conf.CleanWindow = ttl / 2
	if conf.CleanWindow <= 0 {
		conf.CleanWindow = time.Minute
	}
	conf.Verbose = false

	c, err := bigcache.New(context.Background(), conf)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.ErrInternal, "init bigcache")
	}
	return &BigCache{cache: c}, nil
}

// NewFromConfig 按配置创建缓存, 未启用时返回 (nil, nil).
func NewFromConfig(conf config.CacheConfig) (*BigCache, error) {
	if !conf.Enabled {
		return nil, nil
	}
	return NewBigCache(conf.TTL, conf.MaxMB)
}

// Get 读取 key 并反序列化到 value, 未命中返回 (false, nil).
func (c *BigCache) Get(_ context.Context, key string, value any) (bool, error) {
	data, err := c.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, xerrors.Wrap(err, xerrors.ErrInternal, "decode cache entry "+key)
	}
	return true, nil
}

// Set 写入 key.
func (c *BigCache) Set(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrInternal, "encode cache entry "+key)
	}
	return c.cache.Set(key, data)
}

// Delete 删除一个或多个键, 不存在的键被忽略.
func (c *BigCache) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		if err := c.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}

// PutSnapshot 以交易编号和图版本为键保存快照.
func (c *BigCache) PutSnapshot(ctx context.Context, s *amc.Snapshot) error {
	if s == nil {
		return xerrors.Newf(xerrors.ErrInvalidInput, "nil snapshot")
	}
	return c.Set(ctx, amc.SnapshotKey(s.TradeID, s.GraphVersion), s)
}

// GetSnapshot 读取快照.
func (c *BigCache) GetSnapshot(ctx context.Context, tradeID string, graphVersion int) (*amc.Snapshot, error) {
	var s amc.Snapshot
	ok, err := c.Get(ctx, amc.SnapshotKey(tradeID, graphVersion), &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// Len 当前条目数.
func (c *BigCache) Len() int { return c.cache.Len() }

// Close 释放底层资源.
func (c *BigCache) Close() error {
	return c.cache.Close()
}
