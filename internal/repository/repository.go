package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
)

// dialect 屏蔽 MySQL 与 SQLite 的差异，其余 SQL 两边通用
type dialect struct {
	name         string
	forUpdate    string
	insertIgnore string
	schema       []string
	isDuplicate  func(error) bool
}

// SQLRepository 关系存储，写走主库，读走从库
type SQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
	dialect  dialect
	now      func() time.Time
}

// rowScanner 兼容 *sql.Row 与 *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// Open 按配置选择数据库驱动
func Open(cfg *config.Config) (*SQLRepository, error) {
	switch cfg.Database.Driver {
	case "mysql":
		return NewMySQLRepository(cfg.MySQL)
	case "sqlite":
		return NewSQLiteRepository(cfg.SQLite)
	}
	return nil, fmt.Errorf("不支持的数据库驱动: %s", cfg.Database.Driver)
}

// Driver 当前驱动名
func (r *SQLRepository) Driver() string {
	return r.dialect.name
}

// Migrate 建表，可重复执行
func (r *SQLRepository) Migrate(ctx context.Context) error {
	for _, stmt := range r.dialect.schema {
		if _, err := r.masterDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行建表语句失败: %w", err)
		}
	}
	logging.Log.Infof("%s 表结构初始化完成", r.dialect.name)
	return nil
}

// Close 关闭数据库连接
func (r *SQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}

// withTx 在主库事务中执行 fn，fn 返回错误时回滚
func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return persistence("开始事务失败", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return persistence("提交事务失败", err)
	}
	return nil
}

func (r *SQLRepository) timestamp() time.Time {
	return dbTime(r.now())
}

func persistence(message string, err error) error {
	return apperr.Wrap(apperr.PersistenceFailure, message, err)
}

// dbTime 统一为UTC微秒精度，两种驱动的比较结果一致
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化字段失败: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("解析字段失败: %w", err)
	}
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolPtr(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	b := nb.Bool
	return &b
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
