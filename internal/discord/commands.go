package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
	"voicekeeper/internal/tracker"
	"voicekeeper/internal/truncation"
	"voicekeeper/internal/voice"
	"voicekeeper/pkg/utils"
)

const (
	defaultTopLimit = 10
	maxTopLimit     = 25
)

// StatsReader is the session tracker as seen by the stats commands
type StatsReader interface {
	Enabled() bool
	GetUserStats(ctx context.Context, userID string, period tracker.Period) (*models.VoiceUsage, error)
	GetTopUsers(ctx context.Context, limit int, period tracker.Period) ([]models.UserTotal, error)
	GetUserLastSeen(ctx context.Context, userID string) (time.Time, bool, error)
	ActiveSession(userID string) (models.ActiveSession, bool)
}

// ChannelController is the lifecycle manager as seen by the !vc commands
type ChannelController interface {
	Enabled() bool
	RenameOwnedChannel(ctx context.Context, userID, name string) (string, error)
	TransferOwned(ctx context.Context, actorID, newOwnerID string) (string, error)
	Invite(ctx context.Context, actorID, targetID string) (string, error)
	CleanupEmptyChannels(ctx context.Context) error
	CheckLobbyHealth(ctx context.Context) error
}

// PreferenceStore persists per-user channel customization and the
// channels a user keeps out of their voice stats
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*models.VoicePreferences, error)
	UpsertPreferences(ctx context.Context, prefs models.VoicePreferences) error
	DeletePreferences(ctx context.Context, userID string) error
	ExcludedChannels(ctx context.Context, userID string) ([]string, error)
	AddExcludedChannel(ctx context.Context, userID, channelID string) (bool, error)
	RemoveExcludedChannel(ctx context.Context, userID, channelID string) (bool, error)
}

// CleanupRunner is the retention engine as seen by !dbtrunk
type CleanupRunner interface {
	RunCleanup(ctx context.Context) (models.CleanupStats, error)
	Status() models.CleanupStatus
	Retention() models.RetentionConfig
}

// Invocation is one parsed chat command
type Invocation struct {
	UserID   string
	Username string
	Name     string
	Args     []string
	// IsAdmin resolves lazily; only admin commands call it
	IsAdmin func() (bool, error)
}

// Commands executes chat commands and returns the reply text
type Commands struct {
	stats    StatsReader
	channels ChannelController
	prefs    PreferenceStore
	cleanup  CleanupRunner
	log      *logger.Logger
	now      func() time.Time
}

// NewCommands wires the command handlers. Nil dependencies disable the
// commands that need them.
func NewCommands(stats StatsReader, channels ChannelController, prefs PreferenceStore, cleanup CleanupRunner, log *logger.Logger) *Commands {
	return &Commands{
		stats:    stats,
		channels: channels,
		prefs:    prefs,
		cleanup:  cleanup,
		log:      log.With(logger.F("component", "commands")),
		now:      time.Now,
	}
}

// ParseCommand splits "!name arg1 arg2" into an invocation. Non-commands
// return false.
func ParseCommand(content string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") || len(fields[0]) == 1 {
		return "", nil, false
	}
	return strings.ToLower(strings.TrimPrefix(fields[0], "!")), fields[1:], true
}

// Known reports whether name is handled by Execute
func Known(name string) bool {
	switch name {
	case "voice", "vctop", "seen", "vc", "dbtrunk":
		return true
	}
	return false
}

// Execute runs inv and returns the reply. An empty reply means "ignore".
func (c *Commands) Execute(ctx context.Context, inv Invocation) string {
	switch inv.Name {
	case "voice":
		return c.voiceStats(ctx, inv)
	case "vctop":
		return c.leaderboard(ctx, inv)
	case "seen":
		return c.lastSeen(ctx, inv)
	case "vc":
		return c.vc(ctx, inv)
	case "dbtrunk":
		return c.dbtrunk(ctx, inv)
	}
	return ""
}

func (c *Commands) voiceStats(ctx context.Context, inv Invocation) string {
	if c.stats == nil || !c.stats.Enabled() {
		return "Voice tracking is disabled."
	}
	period := tracker.PeriodAllTime
	if len(inv.Args) > 0 {
		p, ok := tracker.ParsePeriod(strings.ToLower(inv.Args[0]))
		if !ok {
			return "Usage: `!voice [week|month]`"
		}
		period = p
	}

	usage, err := c.stats.GetUserStats(ctx, inv.UserID, period)
	if err != nil {
		c.log.Error("failed to load voice stats", err, logger.F("user_id", inv.UserID))
		return "❌ Could not load your voice stats right now."
	}
	if usage == nil {
		return fmt.Sprintf("🔊 %s, no voice activity recorded yet.", inv.Username)
	}

	lines := []string{
		fmt.Sprintf("🔊 **%s** - voice time (%s)", inv.Username, periodLabel(period)),
		"Total: " + utils.FormatDuration(usage.TotalTime),
	}
	if period != tracker.PeriodAllTime {
		lines = append(lines, fmt.Sprintf("Sessions: %d", len(usage.Sessions)))
	}
	if s, ok := c.stats.ActiveSession(inv.UserID); ok {
		lines = append(lines, fmt.Sprintf("Now: %s for %s",
			utils.FormatChannelMention(s.ChannelID),
			utils.FormatDuration(int64(c.now().Sub(s.StartTime).Seconds()))))
	}
	return strings.Join(lines, "\n")
}

// ParseTopArgs reads "[n] [week|month]" in either order
func ParseTopArgs(args []string) (int, tracker.Period, error) {
	limit, period := defaultTopLimit, tracker.PeriodAllTime
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			if n < 1 || n > maxTopLimit {
				return 0, "", fmt.Errorf("limit must be between 1 and %d", maxTopLimit)
			}
			limit = n
			continue
		}
		p, ok := tracker.ParsePeriod(strings.ToLower(arg))
		if !ok {
			return 0, "", fmt.Errorf("unknown period %q", arg)
		}
		period = p
	}
	return limit, period, nil
}

func (c *Commands) leaderboard(ctx context.Context, inv Invocation) string {
	if c.stats == nil || !c.stats.Enabled() {
		return "Voice tracking is disabled."
	}
	limit, period, err := ParseTopArgs(inv.Args)
	if err != nil {
		return fmt.Sprintf("❌ %v. Usage: `!vctop [n] [week|month]`", err)
	}
	rows, err := c.stats.GetTopUsers(ctx, limit, period)
	if err != nil {
		c.log.Error("failed to load leaderboard", err)
		return "❌ Could not load the leaderboard right now."
	}
	return FormatLeaderboard(rows, period)
}

// FormatLeaderboard renders ranked rows
func FormatLeaderboard(rows []models.UserTotal, period tracker.Period) string {
	header := fmt.Sprintf("🏆 **Voice leaderboard** (%s)", periodLabel(period))
	if len(rows) == 0 {
		return header + "\nNo voice activity recorded yet."
	}
	lines := []string{header}
	for i, row := range rows {
		name := row.Username
		if name == "" {
			name = row.UserID
		}
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, utils.TruncateString(name, 32), utils.FormatDuration(row.TotalTime)))
	}
	return strings.Join(lines, "\n")
}

func (c *Commands) lastSeen(ctx context.Context, inv Invocation) string {
	if c.stats == nil || !c.stats.Enabled() {
		return "Voice tracking is disabled."
	}
	if len(inv.Args) != 1 {
		return "Usage: `!seen @user`"
	}
	userID, ok := utils.ParseUserMention(inv.Args[0])
	if !ok {
		return "Usage: `!seen @user`"
	}
	mention := utils.FormatUserMention(userID)

	if s, ok := c.stats.ActiveSession(userID); ok {
		return fmt.Sprintf("🟢 %s is in %s right now.", mention, utils.FormatChannelMention(s.ChannelID))
	}
	at, found, err := c.stats.GetUserLastSeen(ctx, userID)
	if err != nil {
		c.log.Error("failed to load last seen", err, logger.F("user_id", userID))
		return "❌ Could not look that up right now."
	}
	if !found {
		return fmt.Sprintf("%s has never been seen in voice.", mention)
	}
	return fmt.Sprintf("👀 %s was last in voice %s.", mention, utils.FormatAgo(at, c.now()))
}

const vcUsage = "Usage: `!vc name <pattern>` | `!vc limit <0-99>` | `!vc bitrate <8-384>` | `!vc reset` | " +
	"`!vc rename <name>` | `!vc transfer @user` | `!vc invite @user` | `!vc exclude add|remove|list [#channel]` | `!vc reload`"

const excludeUsage = "Usage: `!vc exclude add #channel` | `!vc exclude remove #channel` | `!vc exclude list`"

func (c *Commands) vc(ctx context.Context, inv Invocation) string {
	if len(inv.Args) > 0 && strings.EqualFold(inv.Args[0], "exclude") {
		return c.exclusions(ctx, inv.UserID, inv.Args[1:])
	}
	if c.channels == nil || !c.channels.Enabled() {
		return "Voice channel management is disabled."
	}
	if len(inv.Args) == 0 {
		return vcUsage
	}
	sub, rest := strings.ToLower(inv.Args[0]), inv.Args[1:]

	switch sub {
	case "name", "limit", "bitrate", "reset":
		return c.preferences(ctx, inv.UserID, sub, rest)
	case "rename":
		if len(rest) == 0 {
			return "Usage: `!vc rename <name>`"
		}
		channelID, err := c.channels.RenameOwnedChannel(ctx, inv.UserID, strings.Join(rest, " "))
		if err != nil {
			return c.channelError("rename", err)
		}
		return fmt.Sprintf("✏️ Renamed %s.", utils.FormatChannelMention(channelID))
	case "transfer":
		target, ok := singleMention(rest)
		if !ok {
			return "Usage: `!vc transfer @user`"
		}
		if _, err := c.channels.TransferOwned(ctx, inv.UserID, target); err != nil {
			return c.channelError("transfer", err)
		}
		return fmt.Sprintf("👑 Ownership transferred to %s.", utils.FormatUserMention(target))
	case "invite":
		target, ok := singleMention(rest)
		if !ok {
			return "Usage: `!vc invite @user`"
		}
		channelID, err := c.channels.Invite(ctx, inv.UserID, target)
		if err != nil {
			return c.channelError("invite", err)
		}
		return fmt.Sprintf("👥 %s can now join %s.", utils.FormatUserMention(target), utils.FormatChannelMention(channelID))
	case "reload":
		if denied := requireAdmin(inv); denied != "" {
			return denied
		}
		if err := c.channels.CheckLobbyHealth(ctx); err != nil {
			return c.channelError("reload", err)
		}
		if err := c.channels.CleanupEmptyChannels(ctx); err != nil {
			c.log.Warn("sweep after reload incomplete", logger.F("error", err))
			return "⚠️ Lobby checked, some empty channels could not be removed."
		}
		return "🔄 Lobby checked and empty channels removed."
	}
	return vcUsage
}

func (c *Commands) preferences(ctx context.Context, userID, sub string, args []string) string {
	if c.prefs == nil {
		return "Preferences are unavailable."
	}
	prefs := models.VoicePreferences{UserID: userID}
	var saved string

	switch sub {
	case "reset":
		if err := c.prefs.DeletePreferences(ctx, userID); err != nil {
			c.log.Error("failed to reset preferences", err, logger.F("user_id", userID))
			return "❌ Could not reset your preferences right now."
		}
		return "♻️ Your channel preferences were reset to defaults."
	case "name":
		pattern := strings.Join(args, " ")
		if err := voice.ValidatePattern(pattern); err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		pattern = strings.TrimSpace(pattern)
		prefs.NamePattern = &pattern
		saved = "name pattern `" + pattern + "`"
	case "limit":
		n, err := singleInt(args)
		if err == nil {
			err = voice.ValidateLimit(n)
		}
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		prefs.UserLimit = &n
		saved = "user limit " + strconv.Itoa(n)
		if n == 0 {
			saved = "no user limit"
		}
	case "bitrate":
		n, err := singleInt(args)
		if err == nil {
			err = voice.ValidateBitrate(n)
		}
		if err != nil {
			return fmt.Sprintf("❌ %v", err)
		}
		prefs.Bitrate = &n
		saved = fmt.Sprintf("bitrate %d kbps", n)
	}

	if err := c.prefs.UpsertPreferences(ctx, prefs); err != nil {
		c.log.Error("failed to save preferences", err, logger.F("user_id", userID))
		return "❌ Could not save your preferences right now."
	}
	return fmt.Sprintf("✅ Saved %s. It applies to your next channel.", saved)
}

// exclusions edits the channels whose time is not counted for the user.
// Changes apply from the next session.
func (c *Commands) exclusions(ctx context.Context, userID string, args []string) string {
	if c.prefs == nil {
		return "Preferences are unavailable."
	}
	if len(args) == 0 {
		return excludeUsage
	}

	switch strings.ToLower(args[0]) {
	case "list":
		ids, err := c.prefs.ExcludedChannels(ctx, userID)
		if err != nil {
			c.log.Error("failed to load excluded channels", err, logger.F("user_id", userID))
			return "❌ Could not load your excluded channels right now."
		}
		if len(ids) == 0 {
			return "🙈 No channels are excluded from your voice stats."
		}
		mentions := make([]string, len(ids))
		for i, id := range ids {
			mentions[i] = utils.FormatChannelMention(id)
		}
		return "🙈 Not counted in your voice stats: " + strings.Join(mentions, ", ")
	case "add", "remove":
		if len(args) != 2 {
			return excludeUsage
		}
		channelID, ok := utils.ParseChannelMention(args[1])
		if !ok {
			return excludeUsage
		}
		mention := utils.FormatChannelMention(channelID)

		if strings.EqualFold(args[0], "add") {
			added, err := c.prefs.AddExcludedChannel(ctx, userID, channelID)
			if err != nil {
				c.log.Error("failed to exclude channel", err, logger.F("user_id", userID))
				return "❌ Could not save your excluded channels right now."
			}
			if !added {
				return fmt.Sprintf("%s is already excluded.", mention)
			}
			return fmt.Sprintf("🙈 Time in %s will not be counted from your next session.", mention)
		}

		removed, err := c.prefs.RemoveExcludedChannel(ctx, userID, channelID)
		if err != nil {
			c.log.Error("failed to include channel", err, logger.F("user_id", userID))
			return "❌ Could not save your excluded channels right now."
		}
		if !removed {
			return fmt.Sprintf("%s was not excluded.", mention)
		}
		return fmt.Sprintf("👀 Time in %s counts again from your next session.", mention)
	}
	return excludeUsage
}

func (c *Commands) channelError(op string, err error) string {
	switch {
	case errors.Is(err, voice.ErrNoChannel):
		return "❌ You do not own a voice channel."
	case errors.Is(err, voice.ErrNotOwner), errors.Is(err, voice.ErrAlreadyOwner), errors.Is(err, voice.ErrInvalidPattern):
		return fmt.Sprintf("❌ %v", err)
	}
	c.log.Error("voice channel command failed", err, logger.F("op", op))
	return fmt.Sprintf("❌ Could not %s: %v", op, err)
}

func (c *Commands) dbtrunk(ctx context.Context, inv Invocation) string {
	if denied := requireAdmin(inv); denied != "" {
		return denied
	}
	if c.cleanup == nil {
		return "Cleanup is unavailable."
	}
	if len(inv.Args) != 1 {
		return "Usage: `!dbtrunk run|status`"
	}

	switch strings.ToLower(inv.Args[0]) {
	case "status":
		return FormatCleanupStatus(c.cleanup.Status(), c.cleanup.Retention())
	case "run":
		stats, err := c.cleanup.RunCleanup(ctx)
		switch {
		case errors.Is(err, truncation.ErrAlreadyRunning):
			return "⏳ A cleanup is already running."
		case errors.Is(err, truncation.ErrDisabled):
			return "Cleanup is disabled."
		case err != nil:
			c.log.Error("manual cleanup failed", err)
			return fmt.Sprintf("❌ Cleanup failed: %v", err)
		}
		return fmt.Sprintf("🧹 Cleanup finished: %d sessions removed for %d users in %dms (%d errors).",
			stats.SessionsRemoved, stats.UsersAffected, stats.ExecutionTimeMs, len(stats.Errors))
	}
	return "Usage: `!dbtrunk run|status`"
}

// FormatCleanupStatus renders the !dbtrunk status reply
func FormatCleanupStatus(st models.CleanupStatus, r models.RetentionConfig) string {
	last := "never"
	if st.LastCleanupDate != nil {
		last = st.LastCleanupDate.UTC().Format(time.RFC3339)
	}
	return strings.Join([]string{
		"🗄️ **Cleanup status**",
		fmt.Sprintf("Enabled: %s", yesNo(st.Enabled)),
		fmt.Sprintf("Running: %s", yesNo(st.IsRunning)),
		fmt.Sprintf("Database connected: %s", yesNo(st.IsConnected)),
		"Last cleanup: " + last,
		fmt.Sprintf("Detailed sessions kept: %d days", r.DetailedSessionsDays),
	}, "\n")
}

func requireAdmin(inv Invocation) string {
	if inv.IsAdmin == nil {
		return "⛔ This command requires Administrator."
	}
	ok, err := inv.IsAdmin()
	if err != nil || !ok {
		return "⛔ This command requires Administrator."
	}
	return ""
}

func singleMention(args []string) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	return utils.ParseUserMention(args[0])
}

func singleInt(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected a single number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", args[0])
	}
	return n, nil
}

func periodLabel(p tracker.Period) string {
	switch p {
	case tracker.PeriodWeek:
		return "last 7 days"
	case tracker.PeriodMonth:
		return "last 30 days"
	}
	return "all time"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
