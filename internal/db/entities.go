package db

import (
	"database/sql"
	"time"
)

type (
	// TicketRow mirrors a row of the tickets_ranked view together with the
	// member and extension rows that hang off it.
	TicketRow struct {
		ID              int64          `db:"id"`
		GuildDisplayID  int64          `db:"guild_display_id"`
		GuildID         int64          `db:"guild_id"`
		Type            string         `db:"type"`
		ModeratorID     int64          `db:"moderator_id"`
		AgentID         int64          `db:"agent_id"`
		Reason          sql.NullString `db:"reason"`
		AuditReference  sql.NullString `db:"audit_reference"`
		ModlogMessageID sql.NullInt64  `db:"modlog_message_id"`
		CreatedAt       int64          `db:"created_at"`

		MemberIDs []int64   `db:"-"`
		Extension Extension `db:"-"`
	}

	// Extension is one of the per-type side table rows. The set is closed:
	// TimedMuteRow, MuteRow and UnmuteRow.
	Extension interface {
		ExtensionTable() string
	}

	TimedMuteRow struct {
		TicketID        int64 `db:"ticket_id"`
		RoleID          int64 `db:"role_id"`
		DurationSeconds int64 `db:"duration_seconds"`
		UnmuteAt        int64 `db:"unmute_at"`
	}

	MuteRow struct {
		TicketID int64 `db:"ticket_id"`
		RoleID   int64 `db:"role_id"`
	}

	UnmuteRow struct {
		TicketID          int64         `db:"ticket_id"`
		RoleID            int64         `db:"role_id"`
		OriginalTicketID  sql.NullInt64 `db:"original_ticket_id"`
		OriginalDisplayID sql.NullInt64 `db:"original_display_id"`
	}

	// TicketFilter narrows GetTickets. Zero values match everything.
	TicketFilter struct {
		GuildID   int64
		MemberID  int64
		TicketIDs []int64
		Types     []string
		Limit     int
	}

	// TicketUpdate is a partial update; nil fields are left untouched.
	TicketUpdate struct {
		ModlogMessageID *int64
		Reason          *string
		MemberIDs       []int64
	}

	ModlogChannel struct {
		GuildID   int64 `db:"guild_id"`
		ChannelID int64 `db:"channel_id"`
		UpdatedAt int64 `db:"updated_at"`
	}
)

func (TimedMuteRow) ExtensionTable() string { return "timed_mute_tickets" }
func (MuteRow) ExtensionTable() string      { return "mute_tickets" }
func (UnmuteRow) ExtensionTable() string    { return "unmute_tickets" }

func (r *TicketRow) CreatedTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

func (u *TicketUpdate) IsEmpty() bool {
	return u == nil || (u.ModlogMessageID == nil && u.Reason == nil && u.MemberIDs == nil)
}
