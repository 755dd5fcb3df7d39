package hybrid

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"expirebot/backend/internal/cache"
	"expirebot/backend/internal/domain"
	"expirebot/backend/internal/storage"
)

// PolicyCache 远端（L2）策略缓存
type PolicyCache interface {
	GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error)
	SetPolicy(ctx context.Context, roomID string, policy *domain.RoomPolicy, ttl time.Duration) error
	DeletePolicy(ctx context.Context, roomID string) error
}

// Store 混合存储实现：持久化存储 + Redis 策略缓存 + 进程内 L1 缓存
//
// 每条入站消息都要查询房间策略，策略读取走两级缓存；
// 登记消息相关的操作直接透传给底层存储。
type Store struct {
	storage.Store
	remote PolicyCache
	local  *cache.LocalCache[*domain.RoomPolicy]
	ttl    time.Duration
	log    *zap.Logger

	// fillMu 串行化缓存写入；gen 在每次 SavePolicy 后递增，
	// 读取期间 gen 变化的回填结果会被丢弃
	fillMu sync.Mutex
	gen    uint64
}

// NewStore 创建混合存储实例
//
// remote 可以为 nil，此时只使用 L1 缓存。
func NewStore(backing storage.Store, remote PolicyCache, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	// L1 的有效期较短，多实例部署时依靠 Redis 失效传播
	localTTL := ttl / 5
	if localTTL < time.Second {
		localTTL = time.Second
	}
	return &Store{
		Store:  backing,
		remote: remote,
		local:  cache.NewLocalCache[*domain.RoomPolicy](10000, localTTL),
		ttl:    ttl,
		log:    log,
	}
}

// SavePolicy 保存策略并把新值写入两级缓存
func (s *Store) SavePolicy(ctx context.Context, policy *domain.RoomPolicy) error {
	if err := s.Store.SavePolicy(ctx, policy); err != nil {
		return err
	}
	saved := *policy

	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.gen++
	s.local.Set(saved.RoomID, &saved, 0)
	if s.remote != nil {
		if err := s.remote.SetPolicy(ctx, saved.RoomID, &saved, s.ttl); err != nil {
			s.log.Warn("failed to refresh cached policy",
				zap.String("room_id", saved.RoomID),
				zap.Error(err),
			)
			// 写入失败时删除旧值
			if delErr := s.remote.DeletePolicy(ctx, saved.RoomID); delErr != nil {
				s.log.Warn("failed to invalidate cached policy",
					zap.String("room_id", saved.RoomID),
					zap.Error(delErr),
				)
			}
		}
	}
	return nil
}

// GetPolicy 依次查询 L1、Redis 和底层存储
func (s *Store) GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error) {
	if policy, ok := s.local.Get(roomID); ok {
		if policy == nil {
			return nil, domain.ErrPolicyNotFound
		}
		copied := *policy
		return &copied, nil
	}

	startGen := s.generation()

	if s.remote != nil {
		policy, err := s.remote.GetPolicy(ctx, roomID)
		switch {
		case err == nil:
			s.fill(ctx, startGen, roomID, policy, false)
			copied := *policy
			return &copied, nil
		case errors.Is(err, domain.ErrPolicyNotFound):
			s.fill(ctx, startGen, roomID, nil, false)
			return nil, err
		default:
			// 缓存未命中或 Redis 故障时回源
		}
	}

	policy, err := s.Store.GetPolicy(ctx, roomID)
	if err != nil && !errors.Is(err, domain.ErrPolicyNotFound) {
		return nil, err
	}

	s.fill(ctx, startGen, roomID, policy, s.remote != nil)

	if policy == nil {
		return nil, domain.ErrPolicyNotFound
	}
	copied := *policy
	return &copied, nil
}

func (s *Store) generation() uint64 {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	return s.gen
}

// fill 回填读取结果；读取期间发生过保存时放弃回填，下一次读取重新回源
func (s *Store) fill(ctx context.Context, startGen uint64, roomID string, policy *domain.RoomPolicy, toRemote bool) {
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	if s.gen != startGen {
		s.log.Debug("policy changed during read, skipping cache fill", zap.String("room_id", roomID))
		return
	}

	var cached *domain.RoomPolicy
	if policy != nil {
		copied := *policy
		cached = &copied
	}
	s.local.Set(roomID, cached, 0)
	if toRemote {
		if err := s.remote.SetPolicy(ctx, roomID, cached, s.ttl); err != nil {
			s.log.Debug("failed to cache policy", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}

// Close 关闭底层存储
func (s *Store) Close() error {
	s.local.Close()
	return s.Store.Close()
}
