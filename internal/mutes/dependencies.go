package mutes

import (
	"context"

	"github.com/iamwavecut/modbot/internal/tickets"
)

type ticketStore interface {
	Create(ctx context.Context, req tickets.CreateRequest) (*tickets.Ticket, error)
	Fetch(ctx context.Context, filter tickets.Filter) ([]*tickets.Ticket, error)
	Delete(ctx context.Context, ticketID int64) error
	Post(ctx context.Context, t *tickets.Ticket) (*tickets.Ticket, error)
}

type groupStore interface {
	AddMuteGroupMembers(ctx context.Context, ticketID int64, memberIDs []int64) error
	RemoveMuteGroupMembers(ctx context.Context, ticketID int64, memberIDs []int64) error
	GetMuteGroupMembers(ctx context.Context) (map[int64][]int64, error)
}

// Resolver answers whether the guild and role a persisted group points at
// still exist on the platform.
type Resolver interface {
	GuildExists(ctx context.Context, guildID int64) (bool, error)
	RoleExists(ctx context.Context, guildID, roleID int64) (bool, error)
}
