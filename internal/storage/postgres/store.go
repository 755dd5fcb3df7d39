package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"expirebot/backend/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_policies (
	room_id          VARCHAR(255) PRIMARY KEY,
	enabled          BOOLEAN      NOT NULL DEFAULT FALSE,
	duration_seconds BIGINT       NOT NULL DEFAULT 0,
	updated_by       VARCHAR(255),
	created_at       TIMESTAMPTZ  NOT NULL,
	updated_at       TIMESTAMPTZ  NOT NULL
);

CREATE TABLE IF NOT EXISTS tracked_messages (
	room_id          VARCHAR(255) NOT NULL,
	message_id       VARCHAR(255) NOT NULL,
	kind             VARCHAR(32),
	origin_timestamp TIMESTAMPTZ,
	deadline         TIMESTAMPTZ  NOT NULL,
	state            VARCHAR(32)  NOT NULL,
	attempts         BIGINT       NOT NULL DEFAULT 0,
	next_attempt_at  TIMESTAMPTZ,
	last_error       TEXT,
	created_at       TIMESTAMPTZ  NOT NULL,
	updated_at       TIMESTAMPTZ  NOT NULL,
	PRIMARY KEY (room_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_tracked_state_deadline ON tracked_messages (state, deadline);
`

const trackedColumns = `room_id, message_id, kind, origin_timestamp, deadline, state, attempts,
	next_attempt_at, COALESCE(last_error, ''), created_at, updated_at`

// Store 基于 pgx 原生连接池的 PostgreSQL 存储实现
type Store struct {
	client *Client
}

// NewStore 创建存储实例并确保表结构存在
func NewStore(ctx context.Context, client *Client) (*Store, error) {
	if _, err := client.Pool().Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{client: client}, nil
}

// Close 关闭连接池
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// Health 健康检查
func (s *Store) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Ping(ctx)
}

// ========== Policy Repository ==========

// SavePolicy 插入或替换房间策略
func (s *Store) SavePolicy(ctx context.Context, policy *domain.RoomPolicy) error {
	now := time.Now().UTC()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = now
	}

	_, err := s.client.Pool().Exec(ctx, `
		INSERT INTO room_policies (room_id, enabled, duration_seconds, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			duration_seconds = EXCLUDED.duration_seconds,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		policy.RoomID, policy.Enabled, policy.DurationSeconds, policy.UpdatedBy, policy.CreatedAt, policy.UpdatedAt,
	)
	return err
}

// GetPolicy 获取房间策略
func (s *Store) GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error) {
	row := s.client.Pool().QueryRow(ctx, `
		SELECT room_id, enabled, duration_seconds, COALESCE(updated_by, ''), created_at, updated_at
		FROM room_policies WHERE room_id = $1`, roomID)

	var p domain.RoomPolicy
	if err := row.Scan(&p.RoomID, &p.Enabled, &p.DurationSeconds, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPolicies 列出所有策略
func (s *Store) ListPolicies(ctx context.Context) ([]domain.RoomPolicy, error) {
	rows, err := s.client.Pool().Query(ctx, `
		SELECT room_id, enabled, duration_seconds, COALESCE(updated_by, ''), created_at, updated_at
		FROM room_policies ORDER BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := make([]domain.RoomPolicy, 0)
	for rows.Next() {
		var p domain.RoomPolicy
		if err := rows.Scan(&p.RoomID, &p.Enabled, &p.DurationSeconds, &p.UpdatedBy, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ========== Tracked Message Repository ==========

// CreateTrackedMessage 登记消息，主键冲突时什么也不做
func (s *Store) CreateTrackedMessage(ctx context.Context, msg *domain.TrackedMessage) (bool, error) {
	now := time.Now().UTC()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tag, err := s.client.Pool().Exec(ctx, `
		INSERT INTO tracked_messages
			(room_id, message_id, kind, origin_timestamp, deadline, state, attempts, next_attempt_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (room_id, message_id) DO NOTHING`,
		msg.RoomID, msg.MessageID, string(msg.Kind), msg.OriginTimestamp, msg.Deadline, string(msg.State),
		msg.Attempts, msg.NextAttemptAt, msg.LastError, createdAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetTrackedMessage 获取登记消息
func (s *Store) GetTrackedMessage(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	row := s.client.Pool().QueryRow(ctx,
		`SELECT `+trackedColumns+` FROM tracked_messages WHERE room_id = $1 AND message_id = $2`,
		ref.RoomID, ref.MessageID)
	msg, err := scanTracked(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTrackedMessageNotFound
	}
	return msg, err
}

// TransitionTrackedMessage 以 state = From 为条件原子更新状态
func (s *Store) TransitionTrackedMessage(ctx context.Context, change domain.StateChange) (*domain.TrackedMessage, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	var next *time.Time
	if change.To == domain.StatePending {
		next = change.NextAttemptAt
	}
	increment := 0
	if change.IncrementAttempts {
		increment = 1
	}
	if change.ReleaseAttempt {
		increment = -1
	}
	overwriteError := change.LastError != "" || change.To == domain.StateDone

	row := s.client.Pool().QueryRow(ctx, `
		UPDATE tracked_messages SET
			state = $4,
			attempts = GREATEST(attempts + $5, 0),
			next_attempt_at = $6,
			last_error = CASE WHEN $7 THEN $8 ELSE last_error END,
			updated_at = $9
		WHERE room_id = $1 AND message_id = $2 AND state = $3
		RETURNING `+trackedColumns,
		change.Ref.RoomID, change.Ref.MessageID, string(change.From), string(change.To),
		increment, next, overwriteError, change.LastError, change.At,
	)
	msg, err := scanTracked(row)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, getErr := s.GetTrackedMessage(ctx, change.Ref)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: current state %s", domain.ErrInvalidTransition, current.State)
}

// ResetInFlight 将所有 in_flight 消息重置为 pending
func (s *Store) ResetInFlight(ctx context.Context, at time.Time) (int, error) {
	tag, err := s.client.Pool().Exec(ctx,
		`UPDATE tracked_messages SET state = $1, updated_at = $2 WHERE state = $3`,
		string(domain.StatePending), at, string(domain.StateInFlight))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListTrackedByState 按状态列出消息（按截止时间升序）
func (s *Store) ListTrackedByState(ctx context.Context, state domain.MessageState, limit int) ([]domain.TrackedMessage, error) {
	query := `SELECT ` + trackedColumns + ` FROM tracked_messages WHERE state = $1 ORDER BY deadline, created_at`
	args := []interface{}{string(state)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryTracked(ctx, query, args...)
}

// ListTrackedByRoom 列出房间内的登记消息
func (s *Store) ListTrackedByRoom(ctx context.Context, roomID string, limit int) ([]domain.TrackedMessage, error) {
	query := `SELECT ` + trackedColumns + ` FROM tracked_messages WHERE room_id = $1 ORDER BY created_at, message_id`
	args := []interface{}{roomID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return s.queryTracked(ctx, query, args...)
}

// CountTrackedByState 按状态统计消息数量
func (s *Store) CountTrackedByState(ctx context.Context) (map[domain.MessageState]int, error) {
	rows, err := s.client.Pool().Query(ctx, `SELECT state, COUNT(*) FROM tracked_messages GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.MessageState]int)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.MessageState(state)] = int(n)
	}
	return counts, rows.Err()
}

// DeleteFinishedBefore 删除过旧的终态记录
func (s *Store) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.client.Pool().Exec(ctx,
		`DELETE FROM tracked_messages WHERE state IN ($1, $2) AND updated_at < $3`,
		string(domain.StateDone), string(domain.StateFailedPermanent), before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) queryTracked(ctx context.Context, query string, args ...interface{}) ([]domain.TrackedMessage, error) {
	rows, err := s.client.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]domain.TrackedMessage, 0)
	for rows.Next() {
		msg, err := scanTracked(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

func scanTracked(row pgx.Row) (*domain.TrackedMessage, error) {
	var (
		msg    domain.TrackedMessage
		kind   *string
		origin *time.Time
		state  string
		next   *time.Time
	)
	if err := row.Scan(
		&msg.RoomID, &msg.MessageID, &kind, &origin, &msg.Deadline, &state, &msg.Attempts,
		&next, &msg.LastError, &msg.CreatedAt, &msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if kind != nil {
		msg.Kind = domain.MessageKind(*kind)
	}
	if origin != nil {
		msg.OriginTimestamp = *origin
	}
	msg.State = domain.MessageState(state)
	msg.NextAttemptAt = next
	return &msg, nil
}
