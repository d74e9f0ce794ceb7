package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iamwavecut/modbot/internal/db"
	merrors "github.com/iamwavecut/modbot/internal/errors"
	"github.com/iamwavecut/modbot/internal/observability"
)

const tracerName = "github.com/iamwavecut/modbot/internal/tickets"

type ticketDB interface {
	CreateTicket(ctx context.Context, row *db.TicketRow) (int64, error)
	GetTickets(ctx context.Context, filter db.TicketFilter) ([]*db.TicketRow, error)
	UpdateTicket(ctx context.Context, ticketID int64, update db.TicketUpdate) error
	DeleteTicket(ctx context.Context, ticketID int64) error
}

// Sink posts a rendered ticket to the guild's modlog. A zero messageID means
// the ticket was never posted. Implementations re-post when the previous
// message is gone and return the id of the message now holding the summary.
type Sink interface {
	PostOrUpdate(ctx context.Context, guildID int64, messageID int64, summary Summary) (int64, error)
}

type Store struct {
	db       ticketDB
	registry *Registry
	sink     Sink
	clock    clockwork.Clock
	language string
	tracer   trace.Tracer
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLanguage sets the locale of rendered summaries.
func WithLanguage(lang string) Option {
	return func(s *Store) { s.language = lang }
}

func NewStore(db ticketDB, registry *Registry, sink Sink, opts ...Option) *Store {
	s := &Store{
		db:       db,
		registry: registry,
		sink:     sink,
		clock:    clockwork.NewRealClock(),
		language: "en",
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) getLogEntry() *log.Entry {
	return log.WithField("object", "TicketStore")
}

// Create persists a ticket with its extension and members in one transaction
// and returns it hydrated, display id included.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "tickets.Create", trace.WithAttributes(
		attribute.Int64("guild_id", req.GuildID),
		attribute.String("type", string(req.Type)),
	))
	defer span.End()

	ticket, err := s.create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int64("ticket_id", ticket.ID))
	return ticket, nil
}

func (s *Store) create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	members := uniqueIDs(req.MemberIDs)
	if len(members) == 0 {
		return nil, merrors.ErrEmptyMembers
	}
	handler, err := s.registry.Lookup(req.Type)
	if err != nil {
		return nil, err
	}

	ticket := &Ticket{
		GuildID:        req.GuildID,
		ModeratorID:    req.ModeratorID,
		AgentID:        req.AgentID,
		MemberIDs:      members,
		Reason:         req.Reason,
		AuditReference: req.AuditReference,
		CreatedAt:      s.clock.Now(),
		Type:           req.Type,
		Extension:      cloneExtension(req.Extension),
	}
	if ticket.AgentID == 0 {
		ticket.AgentID = ticket.ModeratorID
	}

	ext, err := handler.EncodeExtension(ticket)
	if err != nil {
		return nil, err
	}

	row := &db.TicketRow{
		GuildID:        ticket.GuildID,
		Type:           string(ticket.Type),
		ModeratorID:    ticket.ModeratorID,
		AgentID:        ticket.AgentID,
		Reason:         sql.NullString{String: ticket.Reason, Valid: ticket.Reason != ""},
		AuditReference: sql.NullString{String: ticket.AuditReference, Valid: ticket.AuditReference != ""},
		CreatedAt:      ticket.CreatedAt.UnixMilli(),
		MemberIDs:      ticket.MemberIDs,
		Extension:      ext,
	}
	ticketID, err := s.db.CreateTicket(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("create %s ticket: %w", ticket.Type, err)
	}
	observability.RecordTicketCreated(string(ticket.Type))

	created, err := s.Get(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load created ticket %d: %w", ticketID, err)
	}

	s.getLogEntry().WithFields(log.Fields{
		"ticket_id":  created.ID,
		"display_id": created.GuildDisplayID,
		"guild_id":   created.GuildID,
		"type":       created.Type,
		"members":    len(created.MemberIDs),
	}).Debug("ticket created")
	return created, nil
}

// Fetch returns the tickets matching filter ordered by ticket id.
func (s *Store) Fetch(ctx context.Context, filter Filter) ([]*Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "tickets.Fetch")
	defer span.End()

	dbFilter := db.TicketFilter{
		GuildID:   filter.GuildID,
		MemberID:  filter.MemberID,
		TicketIDs: filter.TicketIDs,
		Limit:     filter.Limit,
	}
	if filter.Types != nil {
		dbFilter.Types = make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			dbFilter.Types = append(dbFilter.Types, string(t))
		}
	}

	rows, err := s.db.GetTickets(ctx, dbFilter)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch tickets: %w", err)
	}

	result := make([]*Ticket, 0, len(rows))
	for _, row := range rows {
		ticket, err := s.hydrate(row)
		if err != nil {
			if errors.Is(err, merrors.ErrUnregisteredType) {
				return nil, err
			}
			s.getLogEntry().WithError(err).WithField("ticket_id", row.ID).Error("skipping malformed ticket")
			continue
		}
		result = append(result, ticket)
	}
	span.SetAttributes(attribute.Int("count", len(result)))
	return result, nil
}

func (s *Store) hydrate(row *db.TicketRow) (*Ticket, error) {
	handler, err := s.registry.Lookup(Type(row.Type))
	if err != nil {
		return nil, fmt.Errorf("ticket %d: %w", row.ID, err)
	}
	ext, err := handler.DecodeExtension(row)
	if err != nil {
		return nil, err
	}
	return &Ticket{
		ID:              row.ID,
		GuildDisplayID:  row.GuildDisplayID,
		GuildID:         row.GuildID,
		ModeratorID:     row.ModeratorID,
		AgentID:         row.AgentID,
		MemberIDs:       row.MemberIDs,
		Reason:          row.Reason.String,
		AuditReference:  row.AuditReference.String,
		ModlogMessageID: row.ModlogMessageID.Int64,
		CreatedAt:       row.CreatedTime(),
		Type:            Type(row.Type),
		Extension:       ext,
	}, nil
}

func (s *Store) Get(ctx context.Context, ticketID int64) (*Ticket, error) {
	found, err := s.Fetch(ctx, Filter{TicketIDs: []int64{ticketID}})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: %d", merrors.ErrTicketNotFound, ticketID)
	}
	return found[0], nil
}

func (s *Store) Update(ctx context.Context, ticketID int64, update Update) error {
	if update.MemberIDs != nil {
		update.MemberIDs = uniqueIDs(update.MemberIDs)
		if len(update.MemberIDs) == 0 {
			return merrors.ErrEmptyMembers
		}
	}
	err := s.db.UpdateTicket(ctx, ticketID, db.TicketUpdate{
		ModlogMessageID: update.ModlogMessageID,
		Reason:          update.Reason,
		MemberIDs:       update.MemberIDs,
	})
	if err != nil {
		return fmt.Errorf("update ticket %d: %w", ticketID, err)
	}
	return nil
}

// Delete removes a ticket with its extension and member rows. Deleting a
// missing ticket is not an error.
func (s *Store) Delete(ctx context.Context, ticketID int64) error {
	if err := s.db.DeleteTicket(ctx, ticketID); err != nil {
		return fmt.Errorf("delete ticket %d: %w", ticketID, err)
	}
	return nil
}

func (s *Store) Render(t *Ticket) Summary {
	return s.registry.MustLookup(t.Type).Render(t, s.language)
}

// Post creates or refreshes the modlog message of t. It is safe to call
// repeatedly; a failed post leaves the ticket intact for the next attempt.
func (s *Store) Post(ctx context.Context, t *Ticket) (*Ticket, error) {
	ctx, span := s.tracer.Start(ctx, "tickets.Post", trace.WithAttributes(attribute.Int64("ticket_id", t.ID)))
	defer span.End()

	entry := s.getLogEntry().WithField("method", "Post").WithField("ticket_id", t.ID)

	messageID, err := s.sink.PostOrUpdate(ctx, t.GuildID, t.ModlogMessageID, s.Render(t))
	if err != nil {
		if errors.Is(err, merrors.ErrModlogNotConfigured) {
			observability.RecordModlogPost("skipped")
			entry.Trace("no modlog channel, skipping")
			return t, nil
		}
		observability.RecordModlogPost("failed")
		span.RecordError(err)
		return t, fmt.Errorf("post ticket %d: %w", t.ID, err)
	}
	observability.RecordModlogPost("ok")

	if messageID == t.ModlogMessageID {
		return t, nil
	}
	if err := s.Update(ctx, t.ID, Update{ModlogMessageID: &messageID}); err != nil {
		return t, err
	}
	entry.WithField("message_id", messageID).Debug("modlog message attached")

	posted := t.Clone()
	posted.ModlogMessageID = messageID
	return posted, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	slices.Sort(result)
	return result
}

func cloneExtension(ext Extension) Extension {
	if ext == nil {
		return nil
	}
	return (&Ticket{Extension: ext}).Clone().Extension
}
