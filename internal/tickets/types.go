package tickets

import (
	"slices"
	"time"
)

type Type string

const (
	TypeNote      Type = "note"
	TypeTimedMute Type = "timed_mute"
	TypeMute      Type = "mute"
	TypeUnmute    Type = "unmute"
	TypeBan       Type = "ban"
	TypeUnban     Type = "unban"
	TypePreban    Type = "preban"
	TypeKick      Type = "kick"
)

// Types lists every ticket type the registry must know about.
var Types = []Type{
	TypeNote,
	TypeTimedMute,
	TypeMute,
	TypeUnmute,
	TypeBan,
	TypeUnban,
	TypePreban,
	TypeKick,
}

var typeTitles = map[Type]string{
	TypeNote:      "Note",
	TypeTimedMute: "Timed mute",
	TypeMute:      "Mute",
	TypeUnmute:    "Unmute",
	TypeBan:       "Ban",
	TypeUnban:     "Unban",
	TypePreban:    "Preban",
	TypeKick:      "Kick",
}

func (t Type) String() string {
	return string(t)
}

// Ticket is the durable record of one moderation action. Only the modlog
// message id and the member list change after creation.
type Ticket struct {
	ID              int64
	GuildDisplayID  int64
	GuildID         int64
	ModeratorID     int64
	AgentID         int64
	MemberIDs       []int64
	Reason          string
	AuditReference  string
	ModlogMessageID int64
	CreatedAt       time.Time
	Type            Type
	Extension       Extension
}

// Extension is the type-specific payload of a ticket.
type Extension interface {
	extensionOf() Type
}

type TimedMute struct {
	RoleID   int64
	Duration time.Duration
	// UnmuteAt is derived from the creation time and Duration when left zero.
	UnmuteAt time.Time
}

type Mute struct {
	RoleID int64
}

type Unmute struct {
	RoleID            int64
	OriginalTicketID  int64
	OriginalDisplayID int64
}

func (*TimedMute) extensionOf() Type { return TypeTimedMute }
func (*Mute) extensionOf() Type      { return TypeMute }
func (*Unmute) extensionOf() Type    { return TypeUnmute }

func (t *Ticket) TimedMute() (*TimedMute, bool) {
	ext, ok := t.Extension.(*TimedMute)
	return ext, ok && ext != nil
}

func (t *Ticket) Mute() (*Mute, bool) {
	ext, ok := t.Extension.(*Mute)
	return ext, ok && ext != nil
}

func (t *Ticket) Unmute() (*Unmute, bool) {
	ext, ok := t.Extension.(*Unmute)
	return ext, ok && ext != nil
}

func (t *Ticket) HasMember(memberID int64) bool {
	return slices.Contains(t.MemberIDs, memberID)
}

func (t *Ticket) Clone() *Ticket {
	if t == nil {
		return nil
	}
	c := *t
	c.MemberIDs = slices.Clone(t.MemberIDs)
	switch ext := t.Extension.(type) {
	case *TimedMute:
		if ext != nil {
			e := *ext
			c.Extension = &e
		}
	case *Mute:
		if ext != nil {
			e := *ext
			c.Extension = &e
		}
	case *Unmute:
		if ext != nil {
			e := *ext
			c.Extension = &e
		}
	}
	return &c
}

type Field struct {
	Name  string
	Value string
}

// Summary is the structured, user-facing rendering of a ticket.
type Summary struct {
	Title       string
	Type        Type
	DisplayID   int64
	GuildID     int64
	ModeratorID int64
	AgentID     int64
	MemberIDs   []int64
	Reason      string
	Fields      []Field
	CreatedAt   time.Time
}

// Filter selects tickets. Zero values match everything.
type Filter struct {
	GuildID   int64
	MemberID  int64
	TicketIDs []int64
	Types     []Type
	Limit     int
}

// Update is a partial ticket update; nil fields are left untouched and a
// non-nil MemberIDs replaces the whole member list.
type Update struct {
	ModlogMessageID *int64
	Reason          *string
	MemberIDs       []int64
}

type CreateRequest struct {
	GuildID        int64
	ModeratorID    int64
	AgentID        int64
	MemberIDs      []int64
	Type           Type
	Extension      Extension
	Reason         string
	AuditReference string
}
