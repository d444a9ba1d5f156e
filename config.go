package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// --- Configuration & Environment ---

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	OwnerIDs     []string
	Silent       bool

	DownloadsDir  string
	CacheFilePath string

	MaxQueueSize           int
	MaxConcurrentDownloads int
	DownloadTimeout        time.Duration
	DownloadRetries        int
	AutoDisconnectTimeout  time.Duration
	MaxTrackDuration       time.Duration
	PlaylistMaxItems       int
	CleanupInterval        time.Duration
	DefaultVolume          int
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, GetProjectName()+".db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	downloadsDir := os.Getenv("DOWNLOADS_DIR")
	if downloadsDir == "" {
		downloadsDir = filepath.Join(os.TempDir(), GetProjectName()+"-audio")
	}

	cachePath := os.Getenv("CACHE_FILE_PATH")
	if cachePath == "" {
		cachePath = filepath.Join(filepath.Dir(dbPath), GetProjectName()+"-cache.json")
	}

	ownerIDsStr := os.Getenv("OWNER_IDS")
	var ownerIDs []string
	if ownerIDsStr != "" {
		ownerIDs = strings.Split(ownerIDsStr, ",")
		for i := range ownerIDs {
			ownerIDs[i] = strings.TrimSpace(ownerIDs[i])
		}
	}

	cfg := &Config{
		Token:        token,
		GuildID:      os.Getenv("GUILD_ID"),
		DatabasePath: dbPath,
		OwnerIDs:     ownerIDs,
		Silent:       silent,

		DownloadsDir:  downloadsDir,
		CacheFilePath: cachePath,

		MaxQueueSize:           envInt("MAX_QUEUE_SIZE", 50),
		MaxConcurrentDownloads: envInt("MAX_CONCURRENT_DOWNLOADS", 3),
		DownloadTimeout:        envSeconds("DOWNLOAD_TIMEOUT", 300),
		DownloadRetries:        envInt("DOWNLOAD_RETRIES", 3),
		AutoDisconnectTimeout:  envSeconds("AUTO_DISCONNECT_TIMEOUT", 300),
		MaxTrackDuration:       envSeconds("MAX_TRACK_DURATION", 3600),
		PlaylistMaxItems:       envInt("PLAYLIST_MAX_ITEMS", 100),
		CleanupInterval:        envSeconds("CLEANUP_INTERVAL", 3600),
		DefaultVolume:          envInt("DEFAULT_VOLUME", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}
	if c.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be at least 1")
	}
	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1")
	}
	if c.DefaultVolume < 0 || c.DefaultVolume > 150 {
		return fmt.Errorf("DEFAULT_VOLUME must be between 0 and 150")
	}
	return nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "bot"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}
