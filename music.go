package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Command Registration
// ===========================

func init() {
	manageGuildPerm := discord.PermissionManageGuild

	OnClientReady(func(ctx context.Context, client *bot.Client) {
		RegisterDaemon(LogPlayer, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if PlayerManager != nil {
					LogPlayer("Shutting down player sessions...")
					PlayerManager.Shutdown(context.Background())
				}
			}
		})

		RegisterVoiceStateUpdateHandler(onMusicVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a track or playlist by URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "URL or song name",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position to insert at (1 = next)",
						Required:    false,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "seek",
				Description: "Jump to a position in the current track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "target",
						Description: "Position (seconds, mm:ss or h:mm:ss)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Adjust playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-150)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(150),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the queue, or restore the original order",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "repeat",
				Description: "Repeat the current track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "enabled",
						Description: "Explicitly enable or disable (default: toggle)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the queue and recent plays",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "nowplaying",
				Description: "Show the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Remove a track from the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position to remove",
						Required:    true,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "move",
				Description: "Move a track within the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "from",
						Description: "Current position",
						Required:    true,
						MinValue:    intPtr(1),
					},
					discord.ApplicationCommandOptionInt{
						Name:        "to",
						Description: "New position",
						Required:    true,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear all queued tracks",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	RegisterComponentHandler("music:", handleMusicComponent)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "dj",
		Description:              "Music server settings (Manage Server only)",
		DefaultMemberPermissions: omit.New(&manageGuildPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Set the default volume for this server",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "set",
						Description: "Volume percentage (0-150)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(150),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "autodisconnect",
				Description: "Enable or disable idle auto-disconnect",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "enabled",
						Description: "Whether the bot leaves after sitting idle",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "disconnect",
				Description: "Disconnect the bot immediately",
			},
		},
	}, handleDj)
}

// ===========================
// Now-Playing Message Registry
// ===========================

type npMessage struct {
	channelID snowflake.ID
	messageID snowflake.ID
}

var (
	npMu       sync.Mutex
	npMessages = map[snowflake.ID]npMessage{}
)

func setNowPlayingMessage(guildID, channelID, messageID snowflake.ID) {
	npMu.Lock()
	npMessages[guildID] = npMessage{channelID: channelID, messageID: messageID}
	npMu.Unlock()
}

func getNowPlayingMessage(guildID snowflake.ID) (npMessage, bool) {
	npMu.Lock()
	defer npMu.Unlock()
	m, ok := npMessages[guildID]
	return m, ok
}

func clearNowPlayingMessage(guildID snowflake.ID) {
	npMu.Lock()
	delete(npMessages, guildID)
	npMu.Unlock()
}

// ===========================
// Dispatch
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "skip":
		handleMusicSkip(event)
	case "stop":
		handleMusicStop(event)
	case "seek":
		handleMusicSeekCmd(event, data)
	case "volume":
		handleMusicVolume(event, data)
	case "shuffle":
		handleMusicShuffle(event)
	case "repeat":
		handleMusicRepeat(event, data)
	case "queue":
		handleMusicQueue(event)
	case "nowplaying":
		handleMusicNowPlaying(event)
	case "remove":
		handleMusicRemove(event, data)
	case "move":
		handleMusicMove(event, data)
	case "clear":
		handleMusicClear(event)
	}
}

func handleDj(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || event.GuildID() == nil {
		return
	}
	guildID := *event.GuildID()
	s := GetPlayerManager().GetSession(guildID)

	switch *data.SubCommandName {
	case "volume":
		vol := data.Int("set")
		if err := SetGuildVolume(context.Background(), guildID, vol); err != nil {
			LogDatabase("Failed to persist default volume for guild %s: %v", guildID, err)
		}
		if s != nil {
			_ = s.SetVolume(vol)
		}
		respondText(event, fmt.Sprintf("Default volume set to **%d%%**.", vol), false)
	case "autodisconnect":
		enabled := data.Bool("enabled")
		if err := SetGuildAutoDisconnect(context.Background(), guildID, enabled); err != nil {
			LogDatabase("Failed to persist auto-disconnect for guild %s: %v", guildID, err)
		}
		if s != nil {
			s.SetAutoDisconnect(enabled)
		}
		label := "disabled"
		if enabled {
			label = "enabled"
		}
		respondText(event, fmt.Sprintf("Idle auto-disconnect **%s**.", label), false)
	case "disconnect":
		if s == nil {
			respondText(event, ErrNoSessionUser, true)
			return
		}
		LogVoice("User %s (%s) forced a disconnect in guild %s", event.User().Username, event.User().ID, guildID)
		s.Teardown(context.Background())
		clearNowPlayingMessage(guildID)
		respondText(event, "Disconnected.", false)
	}
}

// ===========================
// Play
// ===========================

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := data.String("query")
	userPos, hasPos := data.OptInt("position")

	guildID := event.GuildID()
	if guildID == nil {
		return
	}

	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		respondText(event, ErrNotInVoiceUser, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	pm := GetPlayerManager()
	s := pm.Prepare(*guildID, *vs.ChannelID, event.Channel().ID())
	if err := s.Connect(context.Background()); err != nil {
		LogVoice(MsgGenericError, err)
		editText(event, ErrVoiceConnectUser)
		return
	}
	s.SetPositionUpdateHook(refreshNowPlaying)

	requesterName := event.User().Username
	if event.Member() != nil {
		requesterName = event.Member().EffectiveName()
	}

	if IsPlaylistURL(query) {
		handlePlaylistAdd(event, s, query, requesterName)
		return
	}

	t, err := pm.resolver.Lookup(context.Background(), query, event.User().ID, requesterName)
	if err != nil {
		LogMusic("Lookup failed for %q: %v", query, err)
		editText(event, fmt.Sprintf(ErrLookupFailedUser, Truncate(query, 80)))
		return
	}

	pos := -1
	if hasPos {
		pos = userPos - 1
	}
	if err := s.Queue().Enqueue(t, pos); err != nil {
		editText(event, queueErrorText(err))
		return
	}
	s.Touch()
	s.Wake()
	prefetchTracks(pm, t)

	editText(event, fmt.Sprintf(MsgQueueAdded, t.DisplayTitle(), s.Queue().Len()))
}

func handlePlaylistAdd(event *events.ApplicationCommandInteractionCreate, s *Session, url, requesterName string) {
	pm := GetPlayerManager()
	tracks, err := pm.resolver.LookupPlaylist(context.Background(), url, event.User().ID, requesterName)
	if err != nil {
		LogMusic("Playlist lookup failed for %q: %v", url, err)
		editText(event, fmt.Sprintf(ErrLookupFailedUser, Truncate(url, 80)))
		return
	}

	accepted := s.Queue().EnqueueMany(tracks)
	s.Touch()
	s.Wake()
	if accepted > 0 {
		prefetchTracks(pm, tracks[:Min(accepted, 3)]...)
	}

	if accepted < len(tracks) {
		editText(event, fmt.Sprintf(MsgQueuePartialAdd, accepted, len(tracks)))
		return
	}
	editText(event, fmt.Sprintf(MsgQueueAddedMany, accepted))
}

// prefetchTracks warms the download pool so playback starts without a stall.
func prefetchTracks(pm *PlayerSystem, tracks ...*Track) {
	for _, t := range tracks {
		t := t
		safeGo(func() {
			if err := pm.downloader.Fetch(context.Background(), t); err != nil {
				LogDownload("Prefetch failed for %s: %v", t.DisplayTitle(), err)
			}
		})
	}
}

// ===========================
// Transport Controls
// ===========================

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	t := s.Current()
	if err := s.Pause(); err != nil {
		respondText(event, controlErrorText(err), true)
		return
	}
	respondText(event, fmt.Sprintf(MsgPlayerPaused, t.DisplayTitle()), false)
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	t := s.Current()
	if err := s.Resume(); err != nil {
		respondText(event, controlErrorText(err), true)
		return
	}
	respondText(event, fmt.Sprintf(MsgPlayerResumed, t.DisplayTitle()), false)
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	t, err := s.Skip()
	if err != nil {
		respondText(event, controlErrorText(err), true)
		return
	}
	respondText(event, fmt.Sprintf(MsgPlayerSkipped, t.DisplayTitle()), false)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	LogMusic("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, s.guildID)
	s.Stop(context.Background())
	clearNowPlayingMessage(s.guildID)
	respondText(event, MsgPlayerStoppedUser, false)
}

func handleMusicSeekCmd(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	t := s.Current()
	if t == nil {
		respondText(event, ErrNotPlayingUser, true)
		return
	}
	target, err := parseSeekTarget(data.String("target"))
	if err != nil {
		respondText(event, ErrSeekTargetUser, true)
		return
	}
	if err := s.Seek(target); err != nil {
		if errors.Is(err, ErrInvalidSeekTarget) {
			respondText(event, ErrSeekBeyondEndUser, true)
			return
		}
		respondText(event, controlErrorText(err), true)
		return
	}
	respondText(event, fmt.Sprintf(MsgPlayerSeeked, formatDuration(target), t.DisplayTitle()), false)
}

func handleMusicVolume(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	vol := data.Int("set")
	if err := s.SetVolume(vol); err != nil {
		respondText(event, ErrVolumeRangeUser, true)
		return
	}
	respondText(event, fmt.Sprintf(MsgPlayerVolumeSet, vol), false)
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	s.Touch()
	if s.Queue().Shuffled() {
		s.Queue().Unshuffle()
		respondText(event, MsgQueueUnshuffled, false)
		return
	}
	if !s.Queue().Shuffle() {
		respondText(event, MsgQueueNothingToShuffle, true)
		return
	}
	respondText(event, MsgQueueShuffled, false)
}

func handleMusicRepeat(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	on, has := data.OptBool("enabled")
	if !has {
		on = !s.Repeat()
	}
	s.SetRepeat(on)
	if on {
		respondText(event, MsgPlayerRepeatOn, false)
		return
	}
	respondText(event, MsgPlayerRepeatOff, false)
}

// ===========================
// Queue Editing
// ===========================

func handleMusicRemove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	t, err := s.Queue().Remove(data.Int("position") - 1)
	if err != nil {
		respondText(event, queueErrorText(err), true)
		return
	}
	s.Touch()
	respondText(event, fmt.Sprintf(MsgQueueRemoved, t.DisplayTitle()), false)
}

func handleMusicMove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	to := data.Int("to")
	t, err := s.Queue().Move(data.Int("from")-1, to-1)
	if err != nil {
		respondText(event, queueErrorText(err), true)
		return
	}
	s.Touch()
	respondText(event, fmt.Sprintf(MsgQueueMoved, t.DisplayTitle(), to), false)
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate) {
	s, ok := requireSession(event)
	if !ok {
		return
	}
	n := s.Queue().Clear()
	s.Touch()
	respondText(event, fmt.Sprintf(MsgQueueCleared, n), false)
}

// ===========================
// Queue & Now-Playing Views
// ===========================

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)

	guildID := event.GuildID()
	if guildID == nil {
		return
	}
	s := GetPlayerManager().GetSession(*guildID)

	var components []interface{}

	if s != nil && s.Current() != nil {
		t := s.Current()
		components = append(components, NewTextDisplay("**Now Playing:**"))
		line := fmt.Sprintf("[%s](%s) · %s", Truncate(t.DisplayTitle(), 80), t.URL, t.Uploader)
		if t.ThumbnailURL != "" {
			components = append(components, NewSection(line, NewThumbnail(t.ThumbnailURL)))
		} else {
			components = append(components, NewTextDisplay(line))
		}
		components = append(components, NewTextDisplay(renderPosition(s, t)))
		components = append(components, NewSeparator(true))
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	if s == nil || s.Queue().Len() == 0 {
		components = append(components, NewTextDisplay("_Empty_"))
	} else {
		var b strings.Builder
		upcoming := s.Queue().Upcoming(10)
		for i, t := range upcoming {
			b.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, Truncate(t.DisplayTitle(), 60), t.URL))
		}
		if rest := s.Queue().Len() - len(upcoming); rest > 0 {
			b.WriteString(fmt.Sprintf("*...and %d more*", rest))
		}
		components = append(components, NewTextDisplay(b.String()))
		if s.Queue().Shuffled() {
			components = append(components, NewTextDisplay("_Shuffled_"))
		}
	}

	if plays, err := GetRecentPlays(context.Background(), *guildID, 5); err == nil && len(plays) > 0 {
		components = append(components, NewSeparator(true))
		components = append(components, NewTextDisplay("**Recently Played:**"))
		var b strings.Builder
		for _, p := range plays {
			b.WriteString(fmt.Sprintf("[%s](%s) · %s\n", Truncate(p.Title, 60), p.URL, p.RequesterName))
		}
		components = append(components, NewTextDisplay(b.String()))
	}

	if err := EditInteractionV2(*event.Client(), event, NewV2Container(components...)); err != nil {
		LogMusic("Failed to display queue: %v", err)
	}
}

func handleMusicNowPlaying(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		return
	}
	s := GetPlayerManager().GetSession(*guildID)
	if s == nil || s.Current() == nil {
		respondText(event, ErrNotPlayingUser, true)
		return
	}

	if err := RespondInteractionV2(*event.Client(), event, renderNowPlaying(s), false); err != nil {
		LogMusic("Failed to show now playing: %v", err)
		return
	}

	// Adopt the response as the live now-playing message so the position
	// refresher edits it in place.
	if msg, err := event.Client().Rest.GetInteractionResponse(event.ApplicationID(), event.Token()); err == nil {
		setNowPlayingMessage(*guildID, msg.ChannelID, msg.ID)
	}
}

func renderPosition(s *Session, t *Track) string {
	elapsed := s.Elapsed()
	marker := ""
	switch s.State() {
	case StatePaused:
		marker = " ⏸"
	case StatePlaying:
		if s.Repeat() {
			marker = " 🔁"
		}
	}
	return fmt.Sprintf("`%s` %s `%s`%s",
		formatDuration(elapsed), progressBar(elapsed, t.Duration), formatDuration(t.Duration), marker)
}

func renderNowPlaying(s *Session) Container {
	t := s.Current()
	if t == nil {
		return NewV2Container(NewTextDisplay(ErrNotPlayingUser))
	}

	var components []interface{}
	line := fmt.Sprintf("**[%s](%s)**\n%s · requested by %s",
		Truncate(t.DisplayTitle(), 80), t.URL, t.Uploader, t.RequesterName)
	components = append(components, NewTextDisplay(line))
	if t.ThumbnailURL != "" {
		components = append(components, NewMediaGallery(t.ThumbnailURL))
	}
	components = append(components, NewTextDisplay(renderPosition(s, t)))

	if upcoming := s.Queue().Upcoming(10); len(upcoming) > 0 {
		components = append(components, NewSeparator(true))
		var b strings.Builder
		b.WriteString("**Up Next:**\n")
		for i, u := range upcoming {
			b.WriteString(fmt.Sprintf("`%d.` %s\n", i+1, Truncate(u.DisplayTitle(), 60)))
		}
		if rest := s.Queue().Len() - len(upcoming); rest > 0 {
			b.WriteString(fmt.Sprintf("*...and %d more*", rest))
		}
		components = append(components, NewTextDisplay(b.String()))
	}

	pauseBtn := discord.NewSecondaryButton("⏸", "music:pause")
	if s.State() == StatePaused {
		pauseBtn = discord.NewSecondaryButton("▶", "music:resume")
	}
	repeatBtn := discord.NewSecondaryButton("🔁", "music:repeat")
	if s.Repeat() {
		repeatBtn = discord.NewPrimaryButton("🔁", "music:repeat")
	}
	components = append(components, discord.NewActionRow(
		pauseBtn,
		discord.NewSecondaryButton("⏭", "music:skip"),
		discord.NewSecondaryButton("🔀", "music:shuffle"),
		repeatBtn,
		discord.NewDangerButton("⏹", "music:stop"),
	))

	return NewV2Container(components...)
}

// refreshNowPlaying keeps the live now-playing message current. Called from
// the session's position refresher and after button presses.
func refreshNowPlaying(s *Session) {
	m, ok := getNowPlayingMessage(s.guildID)
	if !ok {
		t := s.Current()
		if t == nil || s.system.client == nil {
			return
		}
		msg, err := SendMessageV2(*s.system.client, s.textChannelID, renderNowPlaying(s), nil)
		if err != nil {
			LogMusic("Failed to post now playing in guild %s: %v", s.guildID, err)
			return
		}
		setNowPlayingMessage(s.guildID, msg.ChannelID, msg.ID)
		return
	}

	if _, err := EditMessageV2(*s.system.client, m.channelID, m.messageID, renderNowPlaying(s)); err != nil {
		LogMusic("Failed to refresh now playing in guild %s: %v", s.guildID, err)
		clearNowPlayingMessage(s.guildID)
	}
}

// ===========================
// Component Interactions
// ===========================

func handleMusicComponent(event *events.ComponentInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		return
	}
	s := GetPlayerManager().GetSession(*guildID)
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(ErrNoSessionUser)), true)
		return
	}

	parts := strings.SplitN(event.Data.CustomID(), ":", 2)
	if len(parts) != 2 {
		return
	}

	switch parts[1] {
	case "pause":
		_ = s.Pause()
	case "resume":
		_ = s.Resume()
	case "skip":
		_, _ = s.Skip()
		// Give the play loop a beat to pull the next track before re-render.
		time.Sleep(250 * time.Millisecond)
	case "shuffle":
		if s.Queue().Shuffled() {
			s.Queue().Unshuffle()
		} else {
			s.Queue().Shuffle()
		}
		s.Touch()
	case "repeat":
		s.SetRepeat(!s.Repeat())
	case "stop":
		s.Stop(context.Background())
		clearNowPlayingMessage(*guildID)
		_ = UpdateInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(MsgPlayerStoppedUser)))
		return
	default:
		return
	}

	if err := UpdateInteractionV2(*event.Client(), event, renderNowPlaying(s)); err != nil {
		LogMusic("Failed to update controls: %v", err)
	}
}

// ===========================
// Autocomplete
// ===========================

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := strings.TrimSpace(f.String())
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	results, err := GetPlayerManager().resolver.Search(context.Background(), q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}

	var choices []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		name := Truncate(r.Title, 100)
		value := r.URL
		if len(value) > 100 {
			value = name
		}
		choices = append(choices, discord.AutocompleteChoiceString{Name: name, Value: value})
	}
	_ = event.AutocompleteResult(choices)
}

// ===========================
// Voice State Updates
// ===========================

var (
	autoPausedMu sync.Mutex
	autoPaused   = map[snowflake.ID]bool{}
)

func onMusicVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	pm := GetPlayerManager()
	if pm == nil {
		return
	}
	guildID := event.VoiceState.GuildID
	s := pm.GetSession(guildID)
	if s == nil {
		return
	}

	if event.VoiceState.UserID == event.Client().ID() {
		if event.VoiceState.ChannelID == nil {
			LogVoice(MsgVoiceForcedOut, guildID)
			s.Teardown(context.Background())
			clearNowPlayingMessage(guildID)
			return
		}
		s.mu.Lock()
		moved := s.channelID != *event.VoiceState.ChannelID
		s.channelID = *event.VoiceState.ChannelID
		s.mu.Unlock()
		if moved {
			LogVoice("Moved to channel %s in guild %s", *event.VoiceState.ChannelID, guildID)
		}
		return
	}

	updateAutoPause(event, s)
}

// updateAutoPause pauses when the bot is left alone in the channel and
// resumes when a listener comes back, without clobbering a user pause.
func updateAutoPause(event *events.GuildVoiceStateUpdate, s *Session) {
	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()
	if channelID == 0 {
		return
	}

	humans := 0
	for state := range event.Client().Caches.VoiceStates(event.VoiceState.GuildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == event.Client().ID() {
			continue
		}
		if m, ok := event.Client().Caches.Member(event.VoiceState.GuildID, state.UserID); !ok || !m.User.Bot {
			humans++
		}
	}

	autoPausedMu.Lock()
	defer autoPausedMu.Unlock()

	if humans == 0 && s.State() == StatePlaying {
		if err := s.Pause(); err == nil {
			autoPaused[s.guildID] = true
			LogPlayer("Paused in guild %s, channel is empty", s.guildID)
		}
		return
	}
	if humans > 0 && autoPaused[s.guildID] && s.State() == StatePaused {
		if err := s.Resume(); err == nil {
			LogPlayer("Resumed in guild %s, listeners are back", s.guildID)
		}
		delete(autoPaused, s.guildID)
	}
}

// ===========================
// Helpers
// ===========================

func requireSession(event *events.ApplicationCommandInteractionCreate) (*Session, bool) {
	guildID := event.GuildID()
	if guildID == nil {
		return nil, false
	}
	s := GetPlayerManager().GetSession(*guildID)
	if s == nil {
		respondText(event, ErrNoSessionUser, true)
		return nil, false
	}
	return s, true
}

func controlErrorText(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyPaused):
		return ErrAlreadyPausedUser
	case errors.Is(err, ErrNotPaused):
		return ErrNotPausedUser
	case errors.Is(err, ErrNothingPlaying):
		return ErrNotPlayingUser
	default:
		return fmt.Sprintf(MsgGenericError, err)
	}
}

func queueErrorText(err error) string {
	switch {
	case errors.Is(err, ErrQueueEmpty):
		return ErrQueueEmptyUser
	case errors.Is(err, ErrBadPosition):
		return ErrQueueBadPositionUser
	case errors.Is(err, ErrQueueFull):
		return fmt.Sprintf(ErrQueueFullUser, GlobalConfig.MaxQueueSize)
	case errors.Is(err, ErrDuplicateTrack):
		return ErrDuplicateTrackUser
	default:
		return fmt.Sprintf(MsgGenericError, err)
	}
}

func respondText(event *events.ApplicationCommandInteractionCreate, text string, ephemeral bool) {
	if err := RespondInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(text)), ephemeral); err != nil {
		LogMusic("Failed to respond to interaction: %v", err)
	}
}

func editText(event *events.ApplicationCommandInteractionCreate, text string) {
	if err := EditInteractionV2(*event.Client(), event, NewV2Container(NewTextDisplay(text))); err != nil {
		LogMusic("Failed to edit interaction response: %v", err)
	}
}
