package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// --- Database Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS guild_music_settings (
			guild_id TEXT PRIMARY KEY,
			volume INTEGER DEFAULT 100,
			auto_disconnect INTEGER DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			requester_name TEXT,
			played_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE play_history ADD COLUMN requester_name TEXT",
		"ALTER TABLE guild_music_settings ADD COLUMN auto_disconnect INTEGER DEFAULT 1",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("failed to migrate database: %w", err)
			}
		}
	}

	if _, err := DB.ExecContext(initCtx, "CREATE INDEX IF NOT EXISTS idx_play_history_guild ON play_history (guild_id, played_at)"); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Guild Music Settings ---

type GuildMusicSettings struct {
	GuildID        snowflake.ID
	Volume         int
	AutoDisconnect bool
	UpdatedAt      time.Time
}

func GetGuildMusicSettings(ctx context.Context, guildID snowflake.ID) (*GuildMusicSettings, error) {
	row := DB.QueryRowContext(ctx, `
		SELECT volume, auto_disconnect, updated_at FROM guild_music_settings WHERE guild_id = ?
	`, guildID.String())

	s := &GuildMusicSettings{GuildID: guildID}
	var autoDisconnect int
	err := row.Scan(&s.Volume, &autoDisconnect, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		s.Volume = GlobalConfig.DefaultVolume
		s.AutoDisconnect = true
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	s.AutoDisconnect = autoDisconnect == 1
	return s, nil
}

func SetGuildVolume(ctx context.Context, guildID snowflake.ID, volume int) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_music_settings (guild_id, volume) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET volume = excluded.volume, updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), volume)
	return err
}

func SetGuildAutoDisconnect(ctx context.Context, guildID snowflake.ID, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO guild_music_settings (guild_id, auto_disconnect) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET auto_disconnect = excluded.auto_disconnect, updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), v)
	return err
}

// --- Play History ---

type PlayRecord struct {
	ID            int64
	GuildID       snowflake.ID
	URL           string
	Title         string
	RequesterID   snowflake.ID
	RequesterName string
	PlayedAt      time.Time
}

func AddPlayRecord(ctx context.Context, guildID snowflake.ID, t *Track) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO play_history (guild_id, url, title, requester_id, requester_name)
		VALUES (?, ?, ?, ?, ?)
	`, guildID.String(), t.URL, t.Title, t.RequesterID.String(), t.RequesterName)
	return err
}

func GetRecentPlays(ctx context.Context, guildID snowflake.ID, limit int) ([]*PlayRecord, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, guild_id, url, title, requester_id, requester_name, played_at
		FROM play_history WHERE guild_id = ? ORDER BY played_at DESC LIMIT ?
	`, guildID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PlayRecord
	for rows.Next() {
		r := &PlayRecord{}
		var gid, rid string
		var name sql.NullString
		if err := rows.Scan(&r.ID, &gid, &r.URL, &r.Title, &rid, &name, &r.PlayedAt); err != nil {
			return nil, err
		}
		r.GuildID, err = snowflake.Parse(gid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s' for play record %d: %w", gid, r.ID, err)
		}
		r.RequesterID, err = snowflake.Parse(rid)
		if err != nil {
			return nil, fmt.Errorf("failed to parse requester ID '%s' for play record %d: %w", rid, r.ID, err)
		}
		r.RequesterName = name.String
		records = append(records, r)
	}
	return records, nil
}
