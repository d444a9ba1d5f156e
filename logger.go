package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// --- Globals & Styles ---

var (
	// Level colors
	infoColor  = color.New()
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	fatalColor = color.New(color.FgRed, color.Bold)

	// Component colors
	databaseColor = color.New()
	musicColor    = color.New(color.FgMagenta)
	queueColor    = color.New(color.FgMagenta)
	downloadColor = color.New(color.FgMagenta)
	cacheColor    = color.New(color.FgMagenta)
	playerColor   = color.New(color.FgMagenta)
	voiceColor    = color.New(color.FgMagenta)

	// Global state
	DefaultTimeFormat = "15:04:05"
	IsSilent          = false
	LogToFile         = false
	Logger            *slog.Logger

	// Internal state
	logFile *os.File
	logMu   sync.Mutex
)

// --- Initialization ---

func init() {
	InitLogger(false, false)
}

// InitLogger initializes the global structured logger
func InitLogger(silent bool, saveToFile bool) {
	logMu.Lock()
	defer logMu.Unlock()

	IsSilent = silent
	LogToFile = saveToFile
	level := slog.LevelInfo
	if strings.ToLower(os.Getenv("DEBUG")) == "true" {
		level = slog.LevelDebug
	}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	var writer io.Writer = os.Stdout
	var err error

	if LogToFile {
		exePath, exeErr := os.Executable()
		logName := GetProjectName() + ".log"
		if exeErr == nil {
			logName = filepath.Base(exePath) + ".log"
		}

		logFile, err = os.OpenFile(logName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", logName, err)
		} else {
			writer = io.MultiWriter(os.Stdout, NewStripANSIWriter(logFile))
		}
	}

	color.NoColor = false

	handler := NewBotLogHandler(writer, &BotLogHandlerOptions{
		Silent: IsSilent,
		Level:  level,
	})
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

func SetSilentMode(silent bool) {
	InitLogger(silent, LogToFile)
}

// --- Public Logging API ---

func LogInfo(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...))
}

func LogWarn(format string, v ...any) {
	slog.Warn(fmt.Sprintf(format, v...))
}

func LogError(format string, v ...any) {
	slog.Error(fmt.Sprintf(format, v...))
}

func LogFatal(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Log(context.Background(), slog.LevelError+4, msg)
	panic(msg)
}

func LogDebug(format string, v ...any) {
	slog.Debug(fmt.Sprintf(format, v...))
}

// Component Loggers

func LogDatabase(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "database"))
}

func LogMusic(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "music"))
}

func LogQueue(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "queue"))
}

func LogDownload(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "download"))
}

func LogCache(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "cache"))
}

func LogPlayer(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "player"))
}

func LogVoice(format string, v ...any) {
	slog.Info(fmt.Sprintf(format, v...), slog.String("component", "voice"))
}

// --- Log Handler Implementation ---

type BotLogHandlerOptions struct {
	Silent bool
	Level  slog.Leveler
}

type BotLogHandler struct {
	w    io.Writer
	opts *BotLogHandlerOptions
	mu   *sync.Mutex
}

func NewBotLogHandler(w io.Writer, opts *BotLogHandlerOptions) *BotLogHandler {
	if opts == nil {
		opts = &BotLogHandlerOptions{Level: slog.LevelInfo}
	}
	return &BotLogHandler{
		w:    w,
		opts: opts,
		mu:   &sync.Mutex{},
	}
}

func (h *BotLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.opts.Silent {
		return false
	}
	return level >= h.opts.Level.Level()
}

func (h *BotLogHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.opts.Silent {
		return nil
	}

	timeStr := time.Now().Format(DefaultTimeFormat)
	var levelStr string
	var levelColor *color.Color

	switch {
	case r.Level >= slog.LevelError+4:
		levelStr = "FATAL"
		levelColor = fatalColor
	case r.Level >= slog.LevelError:
		levelStr = "ERROR"
		levelColor = errorColor
	case r.Level >= slog.LevelWarn:
		levelStr = "WARN"
		levelColor = warnColor
	case r.Level >= slog.LevelInfo:
		levelStr = "INFO"
		levelColor = infoColor
	}

	component := ""
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToUpper(a.Value.String())
			return false
		}
		return true
	})

	fmt.Fprintf(h.w, "%s", timeStr)

	if component != "" {
		if levelStr != "INFO" {
			fmt.Fprintf(h.w, " %s", levelColor.Sprintf("[%s]", levelStr))
		}
		compColor := getComponentColor(component)
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(compColor, fmt.Sprintf("[%s] %s", component, r.Message)))
	} else {
		displayMsg := fmt.Sprintf("[%s] %s", levelStr, r.Message)
		if levelStr == "INFO" && strings.HasPrefix(r.Message, "[") {
			if idx := strings.Index(r.Message, "]"); idx > 0 && idx < 20 {
				displayMsg = r.Message
			}
		}
		fmt.Fprintf(h.w, " %s\n", colorizeWithResets(levelColor, displayMsg))
	}

	return nil
}

func (h *BotLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return h }
func (h *BotLogHandler) WithGroup(name string) slog.Handler       { return h }

// --- Formatting Helpers ---

func getComponentColor(name string) *color.Color {
	switch name {
	case "DATABASE":
		return databaseColor
	case "MUSIC":
		return musicColor
	case "QUEUE":
		return queueColor
	case "DOWNLOAD":
		return downloadColor
	case "CACHE":
		return cacheColor
	case "PLAYER":
		return playerColor
	case "VOICE":
		return voiceColor
	default:
		return color.New(color.FgCyan)
	}
}

func colorizeWithResets(c *color.Color, text string) string {
	if !strings.Contains(text, "\x1b[0m") {
		return c.Sprint(text)
	}

	marker := "@@@MSG@@@"
	wrapped := c.Sprint(marker)
	idx := strings.Index(wrapped, marker)
	if idx <= 0 {
		return text
	}
	startSeq := wrapped[:idx]

	modifiedText := strings.ReplaceAll(text, "\x1b[0m", "\x1b[0m"+startSeq)
	return c.Sprint(modifiedText)
}

// --- Utilities & State ---

func GetLogPath() string {
	logMu.Lock()
	defer logMu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// --- ANSI Stripper ---

type StripANSIWriter struct {
	w  io.Writer
	re *regexp.Regexp
}

func NewStripANSIWriter(w io.Writer) *StripANSIWriter {
	return &StripANSIWriter{
		w:  w,
		re: regexp.MustCompile(`\x1b\[[0-9;]*m`),
	}
}

func (s *StripANSIWriter) Write(p []byte) (n int, err error) {
	clean := s.re.ReplaceAll(p, []byte(""))
	_, err = s.w.Write(clean)
	return len(p), err
}

// --- Message Constants ---

const (
	// --- Infrastructure & Lifecycle ---
	MsgConfigFailedToLoad  = "Failed to load config: %v"
	MsgConfigMissingToken  = "DISCORD_TOKEN is not set in .env file"
	MsgDatabaseInitSuccess = "Database initialized successfully"
	MsgDatabaseTableError  = "Failed to create table: %w"
	MsgDatabasePragmaError = "Failed to set pragma %s: %w"
	MsgDaemonStarting      = "Starting..."
	MsgBotStarting         = "Starting %s..."
	MsgBotReady            = "%s is ready! (ID: %s) (PID: %d) (Took: %dms)"
	MsgBotShutdown         = "Shutting down %s..."
	MsgBotKillingOld       = "Killing running instance... (PID: %d)"
	MsgBotKillFail         = "Failed to kill old instance: %v"
	MsgBotOldTerminated    = "Old instance terminated."
	MsgBotPIDWriteFail     = "Failed to write PID file: %v"
	MsgBotRegisterFail     = "Command registration failed: %v"
	MsgBotAPIStatusError   = "discord API returned status %d"
	MsgGenericError        = "%v"

	// --- Command Loader & Registry ---
	MsgLoaderSyncCommands       = "Syncing %s commands..."
	MsgLoaderTransition         = "[TRANSITION] Switching from %s to %s mode."
	MsgLoaderCleanup            = "[CLEANUP] Removing commands from previous dev guild: %s"
	MsgLoaderDevStarting        = "[DEV] Registering commands to guild: %s"
	MsgLoaderDevRegistered      = "[DEV] Registered: %s"
	MsgLoaderDevFail            = "[DEV] Registration failed: %v"
	MsgLoaderDevGlobalClear     = "[DEV] Verifying global commands are cleared..."
	MsgLoaderDevGlobalClearFail = "[DEV] Global clear skipped (likely rate limited): %v"
	MsgLoaderProdStarting       = "[PROD] Registering commands globally..."
	MsgLoaderProdRegistered     = "[PROD] Registered: %s"
	MsgLoaderProdFail           = "[PROD] Global registration failed: %w"
	MsgLoaderScanStarting       = "[SCAN] Checking all guilds for ghost commands..."
	MsgLoaderScanCleared        = "[SCAN] Cleared ghost commands from: %s (%s)"
	MsgLoaderPanicRecovered     = "Panic recovered in handler: %v"

	// --- Queue ---
	MsgQueueSnapshotSaveFail    = "Failed to snapshot queue for guild %s: %v"
	MsgQueueSnapshotRestored    = "Restored %d queued track(s) for guild %s"
	MsgQueueSnapshotStale       = "Discarding stale queue snapshot for guild %s (age %s)"
	MsgQueueSnapshotLoadFail    = "Failed to restore queue for guild %s: %v"
	MsgQueueFileReleaseFail     = "Failed to remove audio file %s: %v"
	ErrQueueFullUser            = "The queue is full (%d tracks max)."
	ErrQueueEmptyUser           = "The queue is empty."
	ErrQueueBadPositionUser     = "Invalid queue position."
	ErrDuplicateTrackUser       = "That track is already in the queue."
	MsgQueuePartialAdd          = "Added **%d** of %d tracks (queue limit reached)."
	MsgQueueAdded               = "Queued **%s** (position %d)"
	MsgQueueAddedMany           = "Added **%d** tracks to the queue."
	MsgQueueRemoved             = "Removed **%s** from the queue."
	MsgQueueMoved               = "Moved **%s** to position %d."
	MsgQueueCleared             = "Cleared **%d** track(s) from the queue."
	MsgQueueShuffled            = "Queue shuffled."
	MsgQueueUnshuffled          = "Original queue order restored."
	MsgQueueNothingToShuffle    = "Not enough tracks to shuffle."

	// --- Download Pipeline ---
	MsgDownloadStarting      = "Fetching: %s"
	MsgDownloadComplete      = "Fetched %s in %s (%.1f MB)"
	MsgDownloadRetry         = "Attempt %d/%d failed for %s: %v (retrying in %s)"
	MsgDownloadGaveUp        = "Giving up on %s after %d attempts: %v"
	MsgDownloadTimeout       = "Timed out fetching %s after %s"
	MsgDownloadMissingFile   = "Fetch reported success but %s is missing"
	MsgDownloadPoolStarted   = "Worker pool started (%d workers)"
	MsgDownloadPoolDrained   = "Worker pool drained"
	ErrDownloadFailedUser    = "Could not download **%s**. Skipping."
	ErrLookupFailedUser      = "No results found for **%s**."

	// --- Player ---
	MsgPlayerNowPlaying     = "Now playing: %s (requested by %s)"
	MsgPlayerAdvance        = "Advancing past %s (%s)"
	MsgPlayerAdvanceBusy    = "Advance already in progress, ignoring"
	MsgPlayerTooManyFails   = "%d consecutive playback failures, going idle"
	MsgPlayerInactivity     = "Idle for %s, disconnecting from guild %s"
	MsgPlayerSeek           = "Seek to %s in %s"
	MsgPlayerStopped        = "Playback stopped in guild %s"
	MsgPlayerStateChange    = "Session %s: %s -> %s"
	ErrPlaybackFailedUser   = "Playback failed for **%s**."
	ErrNotPlayingUser       = "Nothing is playing right now."
	ErrNotPausedUser        = "Playback is not paused."
	ErrAlreadyPausedUser    = "Playback is already paused."
	ErrSeekTargetUser       = "Invalid seek target. Use seconds (`90`) or `mm:ss` (`1:30`)."
	ErrSeekBeyondEndUser    = "Cannot seek past the end of the track."
	ErrVolumeRangeUser      = "Volume must be between 0 and 150."
	MsgPlayerPaused         = "Paused **%s**."
	MsgPlayerResumed        = "Resumed **%s**."
	MsgPlayerSkipped        = "Skipped **%s**."
	MsgPlayerSeeked         = "Jumped to **%s** in **%s**."
	MsgPlayerVolumeSet      = "Volume set to **%d%%**."
	MsgPlayerRepeatOn       = "Repeat enabled for the current track."
	MsgPlayerRepeatOff      = "Repeat disabled."
	MsgPlayerStoppedUser    = "Stopped playback and cleared the queue."

	// --- Voice ---
	MsgVoiceJoining        = "Joining channel %s (guild %s)"
	MsgVoiceJoinRetry      = "Join attempt %d/%d failed: %v"
	MsgVoiceJoined         = "Joined channel %s"
	MsgVoiceLeft           = "Left voice in guild %s"
	MsgVoiceForcedOut      = "Disconnected by a moderator in guild %s, tearing down session"
	ErrVoiceConnectUser    = "Could not connect to your voice channel."
	ErrNotInVoiceUser      = "You need to be in a voice channel."
	ErrNoSessionUser       = "No active music session in this server."

	// --- Cache ---
	MsgCacheSweep         = "Sweep removed %d expired entr(y/ies)"
	MsgCacheLoaded        = "Loaded %d entr(y/ies) from %s (%d expired skipped)"
	MsgCacheLoadFail      = "Failed to load cache from %s: %v"
	MsgCacheSaveFail      = "Failed to persist cache to %s: %v"
	MsgCacheSaved         = "Persisted %d entr(y/ies) to %s"
)
