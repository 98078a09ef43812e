package utils

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// FormatUserMention formats a user ID as a Discord mention
func FormatUserMention(userID string) string {
	return fmt.Sprintf("<@%s>", userID)
}

// FormatChannelMention formats a channel ID as a Discord channel mention
func FormatChannelMention(channelID string) string {
	return fmt.Sprintf("<#%s>", channelID)
}

// ParseUserMention extracts the snowflake from <@id> or <@!id>. A bare
// numeric id is accepted too.
func ParseUserMention(text string) (string, bool) {
	id := strings.TrimSpace(text)
	if strings.HasPrefix(id, "<@") && strings.HasSuffix(id, ">") {
		id = strings.TrimSuffix(strings.TrimPrefix(id, "<@"), ">")
		id = strings.TrimPrefix(id, "!")
	}
	return digitsOnly(id)
}

// ParseChannelMention extracts the snowflake from <#id>. A bare numeric id
// is accepted too.
func ParseChannelMention(text string) (string, bool) {
	id := strings.TrimSpace(text)
	if strings.HasPrefix(id, "<#") && strings.HasSuffix(id, ">") {
		id = strings.TrimSuffix(strings.TrimPrefix(id, "<#"), ">")
	}
	return digitsOnly(id)
}

func digitsOnly(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return id, true
}

// FormatLeaderboardEntry formats one ranked line; the top three get medals
func FormatLeaderboardEntry(rank int, name, duration string) string {
	var medal string
	switch rank {
	case 1:
		medal = "🥇"
	case 2:
		medal = "🥈"
	case 3:
		medal = "🥉"
	default:
		medal = fmt.Sprintf("%d.", rank)
	}
	return fmt.Sprintf("%s **%s** - %s", medal, name, duration)
}

// TruncateString shortens s to maxLen runes, ending with an ellipsis
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string([]rune(s)[:maxLen])
	}
	return string([]rune(s)[:maxLen-3]) + "..."
}
