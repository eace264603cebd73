// Package topic implements the canonical topic key grammar: parsing,
// category and budget-group classification, and related-topic derivation
// used by salience propagation.
//
// Two scopes exist: global keys (no server prefix) and server-scoped keys
// (prefixed by "server:<sid>:"). Key parsing is the authoritative schema;
// any key that does not match a listed form is rejected at write time.
package topic

import (
	"fmt"
	"sort"
	"strings"
)

// Category classifies a topic key.
type Category string

const (
	CategoryUser          Category = "user"
	CategoryDyad          Category = "dyad"
	CategoryChannel       Category = "channel"
	CategoryThread        Category = "thread"
	CategoryRole          Category = "role"
	CategoryUserInChannel Category = "user_in_channel"
	CategoryDyadInChannel Category = "dyad_in_channel"
	CategorySubject       Category = "subject"
	CategoryEmoji         Category = "emoji"
	CategorySelf          Category = "self"
)

// Group is a budget-group classification. Topics in a group share one
// allocation of the global reflection budget; self has an independent pool.
type Group string

const (
	GroupSocial   Group = "social"
	GroupGlobal   Group = "global"
	GroupSpaces   Group = "spaces"
	GroupSemantic Group = "semantic"
	GroupCulture  Group = "culture"
	GroupSelf     Group = "self"
)

// Groups lists every budget group in selection order.
var Groups = []Group{GroupSocial, GroupGlobal, GroupSpaces, GroupSemantic, GroupCulture, GroupSelf}

// Key is a parsed topic key.
type Key struct {
	Raw      string
	ServerID string // empty for global keys
	Category Category
	// Parts are the category-specific id segments:
	//   user, channel, thread, role, emoji, subject, self: one element
	//   dyad: two elements, sorted
	//   user_in_channel: channel id, user id
	//   dyad_in_channel: channel id, two sorted user ids
	Parts []string
}

// IsGlobal reports whether the key has no server scope.
func (k Key) IsGlobal() bool { return k.ServerID == "" }

// String returns the canonical key text.
func (k Key) String() string { return k.Raw }

// Group returns the budget group for the key.
func (k Key) Group() Group {
	switch k.Category {
	case CategorySelf:
		return GroupSelf
	case CategoryEmoji:
		return GroupCulture
	case CategorySubject, CategoryRole:
		return GroupSemantic
	case CategoryChannel, CategoryThread:
		return GroupSpaces
	case CategoryUser, CategoryDyad:
		if k.IsGlobal() {
			return GroupGlobal
		}
		return GroupSocial
	case CategoryUserInChannel, CategoryDyadInChannel:
		return GroupSocial
	}
	return GroupSocial
}

// segment counts per category after the category token.
var categoryArity = map[Category]int{
	CategoryUser:          1,
	CategoryDyad:          2,
	CategoryChannel:       1,
	CategoryThread:        1,
	CategoryRole:          1,
	CategoryUserInChannel: 2,
	CategoryDyadInChannel: 3,
	CategorySubject:       1,
	CategoryEmoji:         1,
	CategorySelf:          1,
}

// serverOnly categories have no global form.
var serverOnly = map[Category]bool{
	CategoryChannel:       true,
	CategoryThread:        true,
	CategoryRole:          true,
	CategoryUserInChannel: true,
	CategoryDyadInChannel: true,
	CategorySubject:       true,
	CategoryEmoji:         true,
}

// Parse validates raw against the key grammar and returns its parsed form.
func Parse(raw string) (Key, error) {
	segs := strings.Split(raw, ":")
	if len(segs) < 2 {
		return Key{}, fmt.Errorf("invalid topic key %q: too few segments", raw)
	}

	k := Key{Raw: raw}
	if segs[0] == "server" {
		if len(segs) < 4 {
			return Key{}, fmt.Errorf("invalid topic key %q: server-scoped key too short", raw)
		}
		if segs[1] == "" {
			return Key{}, fmt.Errorf("invalid topic key %q: empty server id", raw)
		}
		k.ServerID = segs[1]
		segs = segs[2:]
	}

	cat := Category(segs[0])
	arity, ok := categoryArity[cat]
	if !ok {
		return Key{}, fmt.Errorf("invalid topic key %q: unknown category %q", raw, segs[0])
	}
	if k.IsGlobal() && serverOnly[cat] {
		return Key{}, fmt.Errorf("invalid topic key %q: category %q requires a server scope", raw, cat)
	}
	parts := segs[1:]
	if len(parts) != arity {
		return Key{}, fmt.Errorf("invalid topic key %q: category %q wants %d id segment(s), got %d", raw, cat, arity, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Key{}, fmt.Errorf("invalid topic key %q: empty id segment", raw)
		}
	}

	switch cat {
	case CategoryDyad:
		if parts[0] >= parts[1] {
			return Key{}, fmt.Errorf("invalid topic key %q: dyad ids must be distinct and sorted", raw)
		}
	case CategoryDyadInChannel:
		if parts[1] >= parts[2] {
			return Key{}, fmt.Errorf("invalid topic key %q: dyad ids must be distinct and sorted", raw)
		}
	}

	k.Category = cat
	k.Parts = parts
	return k, nil
}

// MustParse parses raw or panics. For literals in tests and builders.
func MustParse(raw string) Key {
	k, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return k
}

func scoped(serverID, rest string) string {
	if serverID == "" {
		return rest
	}
	return "server:" + serverID + ":" + rest
}

// sortPair returns the two ids in lexicographic order.
func sortPair(a, b string) (string, string) {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0], ids[1]
}

// UserKey builds a user topic key; pass serverID "" for the global user.
func UserKey(serverID, userID string) string {
	return scoped(serverID, "user:"+userID)
}

// DyadKey builds a dyad key with ids sorted; pass serverID "" for global.
func DyadKey(serverID, a, b string) string {
	lo, hi := sortPair(a, b)
	return scoped(serverID, "dyad:"+lo+":"+hi)
}

// ChannelKey builds a server channel key.
func ChannelKey(serverID, channelID string) string {
	return scoped(serverID, "channel:"+channelID)
}

// ThreadKey builds a server thread key.
func ThreadKey(serverID, threadID string) string {
	return scoped(serverID, "thread:"+threadID)
}

// RoleKey builds a server role key.
func RoleKey(serverID, roleID string) string {
	return scoped(serverID, "role:"+roleID)
}

// UserInChannelKey builds a user-in-channel key.
func UserInChannelKey(serverID, channelID, userID string) string {
	return scoped(serverID, "user_in_channel:"+channelID+":"+userID)
}

// DyadInChannelKey builds a dyad-in-channel key with dyad ids sorted.
func DyadInChannelKey(serverID, channelID, a, b string) string {
	lo, hi := sortPair(a, b)
	return scoped(serverID, "dyad_in_channel:"+channelID+":"+lo+":"+hi)
}

// SubjectKey builds a server subject key.
func SubjectKey(serverID, name string) string {
	return scoped(serverID, "subject:"+name)
}

// EmojiKey builds a server emoji key.
func EmojiKey(serverID, emojiID string) string {
	return scoped(serverID, "emoji:"+emojiID)
}

// SelfKey builds a self topic key; pass serverID "" for the global self.
func SelfKey(serverID, aspect string) string {
	return scoped(serverID, "self:"+aspect)
}
