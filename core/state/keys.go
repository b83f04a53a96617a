package state

import (
	"fmt"
	"strconv"
	"strings"
)

type Category string

const (
	CategoryGuild    Category = "guild"
	CategoryChannel  Category = "channel"
	CategoryMember   Category = "member"
	CategoryMessage  Category = "message"
	CategoryPresence Category = "presence"
)

// SelfKey holds the user id of the bot whose own member entries are kept
// regardless of the member policy.
const SelfKey = "self"

// Categories lists every cache category.
func Categories() []Category {
	return []Category{CategoryGuild, CategoryChannel, CategoryMember, CategoryMessage, CategoryPresence}
}

// Gated reports whether the category has its own enable flag.
func (c Category) Gated() bool {
	switch c {
	case CategoryMember, CategoryMessage, CategoryPresence:
		return true
	}
	return false
}

// Prefix is the key prefix shared by all entries of the category.
func (c Category) Prefix() string { return string(c) + ":" }

func key(c Category, ids ...uint64) string {
	var sb strings.Builder
	sb.WriteString(string(c))
	for _, id := range ids {
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(id, 10))
	}
	return sb.String()
}

func GuildKey(id uint64) string                 { return key(CategoryGuild, id) }
func ChannelKey(id uint64) string               { return key(CategoryChannel, id) }
func MemberKey(guildID, userID uint64) string   { return key(CategoryMember, guildID, userID) }
func MessageKey(channelID, id uint64) string    { return key(CategoryMessage, channelID, id) }
func PresenceKey(guildID, userID uint64) string { return key(CategoryPresence, guildID, userID) }

// ParseKey splits a cache key into its category and ids.
func ParseKey(k string) (Category, []uint64, error) {
	parts := strings.Split(k, ":")
	if len(parts) < 2 {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	ids := make([]uint64, 0, len(parts)-1)
	for _, p := range parts[1:] {
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
		ids = append(ids, id)
	}
	return Category(parts[0]), ids, nil
}
