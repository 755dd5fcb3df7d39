package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"expirebot/backend/internal/domain"
)

// 支持的驱动名称（与 database/sql 注册名一致）
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+、PostgreSQL 和 SQLite）
//
// 简单的读写通过 GORM 完成，批量维护语句直接使用 database/sql。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string
}

// NewStore 创建SQL数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	if driverName == "sqlite" {
		driverName = DriverSQLite
	}
	if driverName != DriverMySQL && driverName != DriverPostgres && driverName != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite 只允许单写者，串行化连接避免 database is locked
	if driverName == DriverSQLite {
		maxOpenConns, maxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if driverName == DriverSQLite {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	// GORM 复用同一个连接池
	var dialector gorm.Dialector
	switch driverName {
	case DriverMySQL:
		dialector = mysql.New(mysql.Config{Conn: db})
	case DriverPostgres:
		dialector = postgres.New(postgres.Config{Conn: db})
	default:
		dialector = sqlite.New(sqlite.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// DB 返回底层连接，供健康检查使用
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) Migrate() error {
	return s.gormDB.AutoMigrate(
		&domain.RoomPolicy{},
		&domain.TrackedMessage{},
	)
}

// placeholder 根据数据库类型返回占位符
func (s *Store) placeholder(n int) string {
	if s.driverName == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
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

	return s.gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"enabled", "duration_seconds", "updated_by", "updated_at"}),
	}).Create(policy).Error
}

// GetPolicy 获取房间策略
func (s *Store) GetPolicy(ctx context.Context, roomID string) (*domain.RoomPolicy, error) {
	var policy domain.RoomPolicy
	err := s.gormDB.WithContext(ctx).Where("room_id = ?", roomID).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, err
	}
	return &policy, nil
}

// ListPolicies 列出所有策略
func (s *Store) ListPolicies(ctx context.Context) ([]domain.RoomPolicy, error) {
	var policies []domain.RoomPolicy
	err := s.gormDB.WithContext(ctx).Order("room_id").Find(&policies).Error
	return policies, err
}

// ========== Tracked Message Repository ==========

// CreateTrackedMessage 登记消息，主键冲突时什么也不做
func (s *Store) CreateTrackedMessage(ctx context.Context, msg *domain.TrackedMessage) (bool, error) {
	row := *msg
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = row.CreatedAt
	}

	result := s.gormDB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetTrackedMessage 获取登记消息
func (s *Store) GetTrackedMessage(ctx context.Context, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	return s.getTracked(s.gormDB.WithContext(ctx), ref)
}

func (s *Store) getTracked(tx *gorm.DB, ref domain.MessageRef) (*domain.TrackedMessage, error) {
	var msg domain.TrackedMessage
	err := tx.Where("room_id = ? AND message_id = ?", ref.RoomID, ref.MessageID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTrackedMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// TransitionTrackedMessage 以 state = From 为条件原子更新状态
func (s *Store) TransitionTrackedMessage(ctx context.Context, change domain.StateChange) (*domain.TrackedMessage, error) {
	if err := change.Validate(); err != nil {
		return nil, err
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	updates := map[string]interface{}{
		"state":      change.To,
		"updated_at": change.At,
	}
	if change.IncrementAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}
	if change.ReleaseAttempt {
		updates["attempts"] = gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END")
	}
	if change.To == domain.StatePending {
		updates["next_attempt_at"] = change.NextAttemptAt
	} else {
		updates["next_attempt_at"] = nil
	}
	if change.LastError != "" || change.To == domain.StateDone {
		updates["last_error"] = change.LastError
	}

	var updated *domain.TrackedMessage
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&domain.TrackedMessage{}).
			Where("room_id = ? AND message_id = ? AND state = ?", change.Ref.RoomID, change.Ref.MessageID, change.From).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}

		msg, err := s.getTracked(tx, change.Ref)
		if err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: current state %s", domain.ErrInvalidTransition, msg.State)
		}
		updated = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ResetInFlight 将所有 in_flight 消息重置为 pending
func (s *Store) ResetInFlight(ctx context.Context, at time.Time) (int, error) {
	query := fmt.Sprintf(
		"UPDATE tracked_messages SET state = %s, updated_at = %s WHERE state = %s",
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
	)
	result, err := s.db.ExecContext(ctx, query, domain.StatePending, at, domain.StateInFlight)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ListTrackedByState 按状态列出消息（按截止时间升序）
func (s *Store) ListTrackedByState(ctx context.Context, state domain.MessageState, limit int) ([]domain.TrackedMessage, error) {
	var msgs []domain.TrackedMessage
	q := s.gormDB.WithContext(ctx).Where("state = ?", state).Order("deadline ASC").Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&msgs).Error
	return msgs, err
}

// ListTrackedByRoom 列出房间内的登记消息
func (s *Store) ListTrackedByRoom(ctx context.Context, roomID string, limit int) ([]domain.TrackedMessage, error) {
	var msgs []domain.TrackedMessage
	q := s.gormDB.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at ASC").Order("message_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&msgs).Error
	return msgs, err
}

// CountTrackedByState 按状态统计消息数量
func (s *Store) CountTrackedByState(ctx context.Context) (map[domain.MessageState]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM tracked_messages GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.MessageState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[domain.MessageState(state)] = n
	}
	return counts, rows.Err()
}

// DeleteFinishedBefore 删除过旧的终态记录
func (s *Store) DeleteFinishedBefore(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(
		"DELETE FROM tracked_messages WHERE state IN (%s, %s) AND updated_at < %s",
		s.placeholder(1), s.placeholder(2), s.placeholder(3),
	)
	result, err := s.db.ExecContext(ctx, query, domain.StateDone, domain.StateFailedPermanent, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}
