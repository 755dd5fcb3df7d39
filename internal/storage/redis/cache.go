package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"expirebot/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// 未配置策略的房间也会缓存，避免每条消息都查询数据库
const noPolicyMarker = "none"

// PolicyCache 基于 Redis 的房间策略缓存
type PolicyCache struct {
	client *Client
	prefix string
}

// NewPolicyCache 创建策略缓存，prefix 用于区分多个部署
func NewPolicyCache(client *Client, prefix string) *PolicyCache {
	if prefix == "" {
		prefix = "expirebot"
	}
	return &PolicyCache{client: client, prefix: prefix}
}

func (c *PolicyCache) key(roomID string) string {
	return fmt.Sprintf("%s:policy:%s", c.prefix, roomID)
}

// GetPolicy 读取缓存
//
// 返回 (nil, domain.ErrPolicyNotFound) 表示已缓存“无策略”，
// 返回 ErrCacheMiss 表示需要回源。
func (c *PolicyCache) GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error) {
	data, err := c.client.rdb.Get(ctx, c.key(roomID)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}
	if data == noPolicyMarker {
		return nil, domain.ErrPolicyNotFound
	}

	var policy domain.RoomPolicy
	if err := json.Unmarshal([]byte(data), &policy); err != nil {
		return nil, err
	}
	return &policy, nil
}

// SetPolicy 写入缓存，policy 为 nil 时缓存“无策略”
func (c *PolicyCache) SetPolicy(ctx context.Context, roomID string, policy *domain.RoomPolicy, ttl time.Duration) error {
	var value interface{} = noPolicyMarker
	if policy != nil {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		value = data
	}
	return c.client.rdb.Set(ctx, c.key(roomID), value, ttl).Err()
}

// DeletePolicy 删除缓存
func (c *PolicyCache) DeletePolicy(ctx context.Context, roomID string) error {
	return c.client.rdb.Del(ctx, c.key(roomID)).Err()
}
