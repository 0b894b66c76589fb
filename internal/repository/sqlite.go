package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lvdashuaibi/realpick/config"
)

var sqliteDialect = dialect{
	name:         "sqlite",
	forUpdate:    "",
	insertIgnore: "INSERT OR IGNORE",
	schema:       sqliteSchema,
	isDuplicate: func(err error) bool {
		var se *sqlite.Error
		if !errors.As(err, &se) {
			return false
		}
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		// 未开启扩展错误码时只能从错误信息判断
		return strings.Contains(se.Error(), "UNIQUE constraint failed")
	},
}

// NewSQLiteRepository 单机/测试用的嵌入式存储。
// SQLite 只允许一个写者，连接数固定为1，事务天然串行。
func NewSQLiteRepository(cfg config.SQLiteConfig) (*SQLRepository, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("打开SQLite数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	if cfg.Path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置SQLite参数失败 %q: %w", p, err)
		}
	}

	return &SQLRepository{
		masterDB: db,
		slaveDB:  db,
		dialect:  sqliteDialect,
		now:      time.Now,
	}, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS missions (
		id TEXT NOT NULL PRIMARY KEY,
		title TEXT NOT NULL,
		kind TEXT NOT NULL,
		format TEXT NOT NULL,
		submission_type TEXT NOT NULL DEFAULT 'selection',
		options TEXT NOT NULL,
		deadline DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		correct_answer TEXT NULL,
		vote_counts TEXT NOT NULL,
		option_vote_counts TEXT NOT NULL,
		majority_option TEXT NULL,
		stats_participants INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_missions_status_deadline ON missions (status, deadline)`,
	`CREATE TABLE IF NOT EXISTS couple_missions (
		id TEXT NOT NULL PRIMARY KEY,
		title TEXT NOT NULL,
		kind TEXT NOT NULL,
		left_options TEXT NOT NULL,
		right_options TEXT NOT NULL,
		deadline DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		final_answer TEXT NULL,
		pending_final_answer TEXT NULL,
		total_episodes INTEGER NOT NULL DEFAULT 8,
		episode_statuses TEXT NOT NULL,
		stats_participants INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mission_id TEXT NOT NULL,
		episode_no INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		total_picks INTEGER NOT NULL DEFAULT 0,
		participants INTEGER NOT NULL DEFAULT 0,
		couple_pick_counts TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (mission_id, episode_no)
	)`,
	`CREATE TABLE IF NOT EXISTS votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		selected_option TEXT NOT NULL,
		is_correct INTEGER NULL,
		points_earned INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		settled_at DATETIME NULL,
		UNIQUE (user_id, mission_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_mission ON votes (mission_id)`,
	`CREATE TABLE IF NOT EXISTS couple_votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		mission_id TEXT NOT NULL,
		votes TEXT NOT NULL,
		is_correct INTEGER NULL,
		points_earned INTEGER NOT NULL DEFAULT 0,
		submitted_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		settled_at DATETIME NULL,
		UNIQUE (user_id, mission_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_couple_votes_mission ON couple_votes (mission_id)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT NOT NULL PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS point_logs (
		id TEXT NOT NULL PRIMARY KEY,
		user_id TEXT NOT NULL,
		diff INTEGER NOT NULL,
		reason TEXT NOT NULL,
		mission_id TEXT NULL,
		mission_type TEXT NULL,
		metadata TEXT NULL,
		balance_after INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_point_logs_user ON point_logs (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_point_logs_mission ON point_logs (mission_id)`,
	`CREATE TABLE IF NOT EXISTS notification_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		next_attempt_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		sent_at DATETIME NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON notification_outbox (status, next_attempt_at)`,
}
