package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"chatrelay/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS prompts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS llms (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL UNIQUE
			)`,
			`CREATE TABLE IF NOT EXISTS chats (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT NOT NULL,
				llm_model TEXT NOT NULL,
				prompt_id INTEGER NOT NULL,
				prompt_title TEXT NOT NULL,
				prompt_text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(prompt_id) REFERENCES prompts(id)
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				chat_id INTEGER NOT NULL,
				user_id TEXT NOT NULL,
				content TEXT NOT NULL,
				type TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(chat_id) REFERENCES chats(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id)`,
			`CREATE INDEX IF NOT EXISTS idx_chats_created_at ON chats(created_at DESC)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS prompts (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				title VARCHAR(255) NOT NULL,
				text MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS llms (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				title VARCHAR(255) NOT NULL UNIQUE,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chats (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id VARCHAR(36) NOT NULL,
				llm_model VARCHAR(255) NOT NULL,
				prompt_id BIGINT UNSIGNED NOT NULL,
				prompt_title VARCHAR(255) NOT NULL,
				prompt_text MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_chats_created_at (created_at),
				CONSTRAINT fk_chats_prompt FOREIGN KEY (prompt_id) REFERENCES prompts(id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				chat_id BIGINT UNSIGNED NOT NULL,
				user_id VARCHAR(36) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				type VARCHAR(50) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_chat (chat_id),
				CONSTRAINT fk_messages_chat FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}

// SeedDefaultPrompt inserts a starter prompt when the catalog is empty,
// so a fresh install can take questions immediately.
func SeedDefaultPrompt(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(1) FROM prompts`).Scan(&count); err != nil {
		return fmt.Errorf("check prompts: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := db.Exec(
		`INSERT INTO prompts (title, text, created_at, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		"Assistant", "You are a helpful assistant.",
	)
	if err != nil {
		return fmt.Errorf("seed default prompt: %w", err)
	}
	return nil
}

// SeedModels inserts catalog rows for any configured model not yet present.
func SeedModels(db *sql.DB, cfg *config.Config) error {
	for name, prov := range cfg.Providers {
		for _, model := range prov.Models {
			var count int
			err := db.QueryRow(`SELECT COUNT(1) FROM llms WHERE title = ?`, model).Scan(&count)
			if err != nil {
				return fmt.Errorf("check llm %s: %w", model, err)
			}
			if count > 0 {
				continue
			}
			if _, err := db.Exec(`INSERT INTO llms (title) VALUES (?)`, model); err != nil {
				return fmt.Errorf("seed llm %s (%s): %w", model, name, err)
			}
		}
	}
	return nil
}
