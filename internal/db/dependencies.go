package db

import "context"

type Client interface {
	Close() error

	CreateTicket(ctx context.Context, row *TicketRow) (int64, error)
	GetTickets(ctx context.Context, filter TicketFilter) ([]*TicketRow, error)
	UpdateTicket(ctx context.Context, ticketID int64, update TicketUpdate) error
	DeleteTicket(ctx context.Context, ticketID int64) error

	AddMuteGroupMembers(ctx context.Context, ticketID int64, memberIDs []int64) error
	RemoveMuteGroupMembers(ctx context.Context, ticketID int64, memberIDs []int64) error
	GetMuteGroupMembers(ctx context.Context) (map[int64][]int64, error)

	UpsertModlogChannel(ctx context.Context, channel *ModlogChannel) error
	GetModlogChannel(ctx context.Context, guildID int64) (*ModlogChannel, error)
	DeleteModlogChannel(ctx context.Context, guildID int64) error
}
