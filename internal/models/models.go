package models

import "time"

// PresenceEvent is one voice presence transition of a single user.
// An empty channel ID means "not connected".
type PresenceEvent struct {
	GuildID       string
	UserID        string
	Username      string
	DisplayName   string
	FromChannelID string
	ToChannelID   string
	ToChannelName string
	ToParentID    string
	At            time.Time
}

// Moved reports whether the event changes the user's channel
func (e PresenceEvent) Moved() bool {
	return e.FromChannelID != e.ToChannelID
}

// Name returns the best display name for the user
func (e PresenceEvent) Name() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	if e.Username != "" {
		return e.Username
	}
	return e.UserID
}

// ActiveChannel is a provisioned channel owned by one user
type ActiveChannel struct {
	ChannelID             string
	GuildID               string
	OwnerUserID           string
	CreatedAt             time.Time
	CustomNameOverride    string
	HasCustomName         bool
	ControlPanelMessageID string
}

// VoicePreferences holds a user's stored channel customization.
// Nil pointer fields mean "use the system default".
type VoicePreferences struct {
	UserID      string
	NamePattern *string
	UserLimit   *int
	Bitrate     *int // kbps
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ActiveSession is a currently open voice session
type ActiveSession struct {
	UserID      string
	ChannelID   string
	ChannelName string
	StartTime   time.Time
}

// SessionEntry is one row of a user's session log
type SessionEntry struct {
	StartTime   time.Time
	EndTime     *time.Time
	Duration    *int64 // seconds
	ChannelID   string
	ChannelName string
}

// Open reports whether the session has not been closed yet
func (s SessionEntry) Open() bool {
	return s.EndTime == nil
}

// VoiceUsage is the durable per-user usage document
type VoiceUsage struct {
	UserID           string
	Username         string
	TotalTime        int64 // seconds
	LastSeen         time.Time
	Sessions         []SessionEntry
	ExcludedChannels []string
	LastCleanupDate  *time.Time
}

// UserTotal is one leaderboard row
type UserTotal struct {
	UserID    string
	Username  string
	TotalTime int64
}

// UsageRef identifies a usage document selected for truncation
type UsageRef struct {
	UserID   string
	Username string
}

// RetentionConfig holds the truncation horizons
type RetentionConfig struct {
	DetailedSessionsDays   int
	MonthlySummariesMonths int
	YearlySummariesYears   int
}

// CleanupStats is the report of one truncation run
type CleanupStats struct {
	SessionsRemoved int64     `json:"sessionsRemoved"`
	UsersAffected   int       `json:"usersAffected"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Errors          []string  `json:"errors"`
	Timestamp       time.Time `json:"timestamp"`
}

// CleanupStatus is the operational view of the truncation engine
type CleanupStatus struct {
	Enabled         bool       `json:"enabled"`
	IsRunning       bool       `json:"isRunning"`
	LastCleanupDate *time.Time `json:"lastCleanupDate"`
	IsConnected     bool       `json:"isConnected"`
}
