package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
)

const mysqlDuplicateEntry = 1062

var mysqlDialect = dialect{
	name:         "mysql",
	forUpdate:    " FOR UPDATE",
	insertIgnore: "INSERT IGNORE",
	schema:       mysqlSchema,
	isDuplicate: func(err error) bool {
		var me *mysql.MySQLError
		return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
	},
}

// NewMySQLRepository 连接主从库，从库不可用时退回主库
func NewMySQLRepository(cfg config.MySQLConfig) (*SQLRepository, error) {
	masterDB, err := sql.Open("mysql", cfg.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(cfg.MaxOpenConns)
	masterDB.SetMaxIdleConns(cfg.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB := masterDB
	if cfg.Slave != "" {
		slaveDB, err = sql.Open("mysql", cfg.Slave)
		if err != nil {
			return nil, fmt.Errorf("连接从数据库失败: %w", err)
		}

		slaveDB.SetMaxOpenConns(cfg.MaxOpenConns)
		slaveDB.SetMaxIdleConns(cfg.MaxIdleConns)
		slaveDB.SetConnMaxLifetime(time.Hour)

		if err = slaveDB.Ping(); err != nil {
			logging.Log.Warnf("从数据库连接测试失败: %v，将使用主数据库代替", err)
			slaveDB.Close()
			slaveDB = masterDB
		}
	}

	return &SQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
		dialect:  mysqlDialect,
		now:      time.Now,
	}, nil
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS missions (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		format VARCHAR(16) NOT NULL,
		submission_type VARCHAR(16) NOT NULL DEFAULT 'selection',
		options TEXT NOT NULL,
		deadline DATETIME(6) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'open',
		correct_answer TEXT NULL,
		vote_counts TEXT NOT NULL,
		option_vote_counts TEXT NOT NULL,
		majority_option VARCHAR(255) NULL,
		stats_participants INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		KEY idx_missions_status_deadline (status, deadline)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS couple_missions (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		left_options TEXT NOT NULL,
		right_options TEXT NOT NULL,
		deadline DATETIME(6) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'open',
		final_answer TEXT NULL,
		pending_final_answer TEXT NULL,
		total_episodes INT NOT NULL DEFAULT 8,
		episode_statuses TEXT NOT NULL,
		stats_participants INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS episodes (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		mission_id VARCHAR(36) NOT NULL,
		episode_no INT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'open',
		total_picks INT NOT NULL DEFAULT 0,
		participants INT NOT NULL DEFAULT 0,
		couple_pick_counts TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY uk_episodes_mission_episode (mission_id, episode_no)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS votes (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		mission_id VARCHAR(36) NOT NULL,
		selected_option TEXT NOT NULL,
		is_correct TINYINT(1) NULL,
		points_earned INT NOT NULL DEFAULT 0,
		submitted_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		settled_at DATETIME(6) NULL,
		UNIQUE KEY uk_votes_user_mission (user_id, mission_id),
		KEY idx_votes_mission (mission_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS couple_votes (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		mission_id VARCHAR(36) NOT NULL,
		votes TEXT NOT NULL,
		is_correct TINYINT(1) NULL,
		points_earned INT NOT NULL DEFAULT 0,
		submitted_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		settled_at DATETIME(6) NULL,
		UNIQUE KEY uk_couple_votes_user_mission (user_id, mission_id),
		KEY idx_couple_votes_mission (mission_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		points INT NOT NULL DEFAULT 0,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS point_logs (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		diff INT NOT NULL,
		reason VARCHAR(512) NOT NULL,
		mission_id VARCHAR(36) NULL,
		mission_type VARCHAR(16) NULL,
		metadata TEXT NULL,
		balance_after INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_point_logs_user (user_id, created_at),
		KEY idx_point_logs_mission (mission_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS notification_outbox (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		aggregate_id VARCHAR(64) NOT NULL,
		payload TEXT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		last_error TEXT NULL,
		next_attempt_at DATETIME(6) NOT NULL,
		created_at DATETIME(6) NOT NULL,
		sent_at DATETIME(6) NULL,
		KEY idx_outbox_pending (status, next_attempt_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
