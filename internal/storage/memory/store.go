package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"expirebot/backend/internal/domain"
)

// Store 使用内存保存策略与登记消息，主要用于开发验证和测试。
type Store struct {
	mu       sync.RWMutex
	policies map[string]*domain.RoomPolicy
	messages map[domain.MessageRef]*domain.TrackedMessage
	byRoom   map[string][]domain.MessageRef // roomID -> 按登记顺序排列的消息

	// 可选的故障注入，用于测试存储不可用场景
	failWith error
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		policies: make(map[string]*domain.RoomPolicy),
		messages: make(map[domain.MessageRef]*domain.TrackedMessage),
		byRoom:   make(map[string][]domain.MessageRef),
	}
}

// SetFailure 设置后所有操作都返回该错误，传 nil 恢复
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// ========== Policy Repository ==========

// SavePolicy 保存房间策略
func (s *Store) SavePolicy(ctx context.Context, policy *domain.RoomPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}

	copied := *policy
	now := time.Now().UTC()
	if existing, ok := s.policies[policy.RoomID]; ok {
		copied.CreatedAt = existing.CreatedAt
	} else if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = now
	}
	s.policies[policy.RoomID] = &copied
	return nil
}

// GetPolicy 获取房间策略
func (s *Store) GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	policy, ok := s.policies[roomID]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	copied := *policy
	return &copied, nil
}

// ListPolicies 列出所有策略
func (s *Store) ListPolicies(ctx context.Context) ([]domain.RoomPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	out := make([]domain.RoomPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// ========== Tracked Message Repository ==========

// CreateTrackedMessage 登记消息
func (s *Store) CreateTrackedMessage(ctx context.Context, msg *domain.TrackedMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}

	ref := msg.Ref()
	if _, exists := s.messages[ref]; exists {
		return false, nil
	}

	copied := *msg
	now := time.Now().UTC()
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	if copied.UpdatedAt.IsZero() {
		copied.UpdatedAt = copied.CreatedAt
	}
	s.messages[ref] = &copied
	s.byRoom[ref.RoomID] = append(s.byRoom[ref.RoomID], ref)
	return true, nil
}

// GetTrackedMessage 获取登记消息
func (s *Store) GetTrackedMessage(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	msg, ok := s.messages[ref]
	if !ok {
		return nil, domain.ErrTrackedMessageNotFound
	}
	copied := *msg
	return &copied, nil
}

// TransitionTrackedMessage 应用状态迁移
func (s *Store) TransitionTrackedMessage(ctx context.Context, change domain.StateChange) (*domain.TrackedMessage, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	msg, ok := s.messages[change.Ref]
	if !ok {
		return nil, domain.ErrTrackedMessageNotFound
	}
	if msg.State != change.From {
		return nil, domain.ErrInvalidTransition
	}

	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}
	change.Apply(msg)

	copied := *msg
	return &copied, nil
}

// ResetInFlight 将 in_flight 消息重置为 pending
func (s *Store) ResetInFlight(ctx context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}

	count := 0
	for _, msg := range s.messages {
		if msg.State == domain.StateInFlight {
			msg.State = domain.StatePending
			msg.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

// ListTrackedByState 按状态列出消息（按到期时间升序）
func (s *Store) ListTrackedByState(ctx context.Context, state domain.MessageState, limit int) ([]domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	out := make([]domain.TrackedMessage, 0)
	for _, msg := range s.messages {
		if msg.State == state {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Deadline.Before(out[j].Deadline)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTrackedByRoom 列出房间内的登记消息（按登记顺序）
func (s *Store) ListTrackedByRoom(ctx context.Context, roomID string, limit int) ([]domain.TrackedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	refs := s.byRoom[roomID]
	out := make([]domain.TrackedMessage, 0, len(refs))
	for _, ref := range refs {
		if msg, ok := s.messages[ref]; ok {
			out = append(out, *msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// CountTrackedByState 按状态统计消息数量
func (s *Store) CountTrackedByState(ctx context.Context) (map[domain.MessageState]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	counts := make(map[domain.MessageState]int)
	for _, msg := range s.messages {
		counts[msg.State]++
	}
	return counts, nil
}

// DeleteFinishedBefore 清理终态历史记录
func (s *Store) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}

	removed := 0
	for ref, msg := range s.messages {
		if msg.State.Terminal() && msg.UpdatedAt.Before(before) {
			delete(s.messages, ref)
			removed++
		}
	}
	if removed > 0 {
		for roomID, refs := range s.byRoom {
			kept := refs[:0]
			for _, ref := range refs {
				if _, ok := s.messages[ref]; ok {
					kept = append(kept, ref)
				}
			}
			if len(kept) == 0 {
				delete(s.byRoom, roomID)
			} else {
				s.byRoom[roomID] = kept
			}
		}
	}
	return removed, nil
}

// Close 关闭存储（内存实现无需处理）
func (s *Store) Close() error {
	return nil
}

// Health 健康检查
func (s *Store) Health() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failWith
}
