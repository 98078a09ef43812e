package voice

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"voicekeeper/internal/models"
)

// UsernameToken is replaced with the owner's display name in name patterns
const UsernameToken = "{username}"

const (
	maxNameLength  = 100
	MaxUserLimit   = 99
	MinBitrateKbps = 8
	MaxBitrateKbps = 384
)

// ValidatePattern checks a user supplied channel name pattern
func ValidatePattern(pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if !strings.Contains(pattern, UsernameToken) {
		return fmt.Errorf("%w: pattern must contain %s", ErrInvalidPattern, UsernameToken)
	}
	if utf8.RuneCountInString(pattern) > maxNameLength {
		return fmt.Errorf("%w: pattern is longer than %d characters", ErrInvalidPattern, maxNameLength)
	}
	return nil
}

// ValidateLimit checks a member limit, 0 meaning unlimited
func ValidateLimit(n int) error {
	if n < 0 || n > MaxUserLimit {
		return fmt.Errorf("user limit must be between 0 and %d", MaxUserLimit)
	}
	return nil
}

// ValidateBitrate checks a bitrate in kbps
func ValidateBitrate(kbps int) error {
	if kbps < MinBitrateKbps || kbps > MaxBitrateKbps {
		return fmt.Errorf("bitrate must be between %d and %d kbps", MinBitrateKbps, MaxBitrateKbps)
	}
	return nil
}

// MaxBitrate returns the highest bitrate in kbps the guild's boost tier allows
func MaxBitrate(tier discordgo.PremiumTier) int {
	switch tier {
	case discordgo.PremiumTier1:
		return 128
	case discordgo.PremiumTier2:
		return 256
	case discordgo.PremiumTier3:
		return 384
	default:
		return 96
	}
}

// ClampBitrate bounds kbps to what the tier allows
func ClampBitrate(kbps int, tier discordgo.PremiumTier) int {
	if kbps < MinBitrateKbps {
		return MinBitrateKbps
	}
	if limit := MaxBitrate(tier); kbps > limit {
		return limit
	}
	return kbps
}

// ClampLimit bounds a member limit to 0..99
func ClampLimit(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxUserLimit {
		return MaxUserLimit
	}
	return n
}

// ChannelName renders the channel name for an owner. A stored pattern wins
// over the configured prefix and suffix.
func ChannelName(prefs *models.VoicePreferences, displayName, prefix, suffix string) string {
	if prefs != nil && prefs.NamePattern != nil && strings.Contains(*prefs.NamePattern, UsernameToken) {
		return truncateName(strings.ReplaceAll(*prefs.NamePattern, UsernameToken, displayName))
	}
	name := displayName + suffix
	if prefix != "" {
		name = prefix + " " + name
	}
	return truncateName(name)
}

func truncateName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) <= maxNameLength {
		return name
	}
	return string([]rune(name)[:maxNameLength])
}
