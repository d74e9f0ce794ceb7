package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/modbot/internal/action"
	merrors "github.com/iamwavecut/modbot/internal/errors"
	"github.com/iamwavecut/modbot/internal/mutes"
	"github.com/iamwavecut/modbot/internal/tickets"
)

const (
	defaultMaxMuteDuration = 28 * 24 * time.Hour
	applyConcurrency       = 8
)

type ticketStore interface {
	Create(ctx context.Context, req tickets.CreateRequest) (*tickets.Ticket, error)
	Post(ctx context.Context, t *tickets.Ticket) (*tickets.Ticket, error)
}

type muteManager interface {
	Start(ctx context.Context, t *tickets.Ticket, memberIDs []int64) error
	Lookup(guildID, memberID int64) (mutes.Group, bool)
	RemoveMembers(ctx context.Context, guildID int64, memberIDs []int64) ([]int64, error)
}

// Request describes one moderation action over a batch of members. A mute
// with a positive Duration is a timed mute.
type Request struct {
	GuildID        int64
	ModeratorID    int64
	AgentID        int64
	Kind           action.Kind
	MemberIDs      []int64
	RoleID         int64
	Duration       time.Duration
	Reason         string
	AuditReference string
}

type UnmuteRequest struct {
	GuildID     int64
	ModeratorID int64
	AgentID     int64
	MemberIDs   []int64
	// RoleID is used for members not held by a timed mute group.
	RoleID int64
	Reason string
}

type NoteRequest struct {
	GuildID     int64
	ModeratorID int64
	MemberIDs   []int64
	Reason      string
}

// Report is the outcome of a batch. Ticket is nil when no member succeeded.
// PostErr is set when the ticket was created but not posted to the modlog.
type Report struct {
	Ticket    *tickets.Ticket
	Succeeded []int64
	Failed    []action.Result
	PostErr   error
}

type Workflow struct {
	store           ticketStore
	executor        action.Executor
	mutes           muteManager
	maxMuteDuration time.Duration
}

type Option func(*Workflow)

func WithMaxMuteDuration(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.maxMuteDuration = d
		}
	}
}

func NewWorkflow(store ticketStore, executor action.Executor, manager muteManager, opts ...Option) *Workflow {
	w := &Workflow{
		store:           store,
		executor:        executor,
		mutes:           manager,
		maxMuteDuration: defaultMaxMuteDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) getLogEntry() *log.Entry {
	return log.WithField("object", "ModerationWorkflow")
}

// Punish applies req to every member concurrently and records a ticket for
// the members it succeeded on. Timed mutes are handed to the mute manager.
func (w *Workflow) Punish(ctx context.Context, req Request) (*Report, error) {
	return w.punish(ctx, req, true)
}

// Record books an action a moderator already took on the platform. Nothing
// is applied, but timed mutes are still scheduled for reversal.
func (w *Workflow) Record(ctx context.Context, req Request) (*Report, error) {
	return w.punish(ctx, req, false)
}

func (w *Workflow) punish(ctx context.Context, req Request, apply bool) (*Report, error) {
	if len(req.MemberIDs) == 0 {
		return nil, merrors.ErrEmptyMembers
	}
	ticketType, ext, err := w.ticketFor(req)
	if err != nil {
		return nil, err
	}
	if req.AuditReference == "" {
		req.AuditReference = uuid.New()
	}

	entry := w.getLogEntry().WithFields(log.Fields{
		"guild_id": req.GuildID,
		"kind":     req.Kind,
		"batch":    req.AuditReference,
	})

	results := w.each(req.MemberIDs, func(memberID int64) (action.Outcome, error) {
		if !apply {
			return action.Success, nil
		}
		target := action.Target{GuildID: req.GuildID, MemberID: memberID, RoleID: req.RoleID}
		return w.executor.Apply(ctx, req.Kind, target, req.Reason)
	})
	report := &Report{}
	report.Succeeded, report.Failed = action.Partition(results)
	for _, r := range report.Failed {
		entry.WithFields(log.Fields{"member_id": r.MemberID, "outcome": r.Outcome}).WithError(r.Err).Warn("action failed")
	}
	if len(report.Succeeded) == 0 {
		return report, nil
	}

	ticket, err := w.store.Create(ctx, tickets.CreateRequest{
		GuildID:        req.GuildID,
		ModeratorID:    req.ModeratorID,
		AgentID:        req.AgentID,
		MemberIDs:      report.Succeeded,
		Type:           ticketType,
		Extension:      ext,
		Reason:         req.Reason,
		AuditReference: req.AuditReference,
	})
	if err != nil {
		return report, fmt.Errorf("record %s: %w", ticketType, err)
	}
	report.Ticket = w.post(ctx, ticket, report)

	switch ticketType {
	case tickets.TypeTimedMute:
		if err := w.mutes.Start(ctx, ticket, report.Succeeded); err != nil {
			return report, fmt.Errorf("schedule unmute of ticket %d: %w", ticket.ID, err)
		}
	case tickets.TypeMute:
		// a permanent mute outlives any pending timed one
		if _, err := w.mutes.RemoveMembers(ctx, req.GuildID, report.Succeeded); err != nil {
			return report, fmt.Errorf("release mute groups: %w", err)
		}
	}
	entry.WithFields(log.Fields{
		"ticket_id":  ticket.ID,
		"display_id": ticket.GuildDisplayID,
		"succeeded":  len(report.Succeeded),
		"failed":     len(report.Failed),
	}).Info("moderation action recorded")
	return report, nil
}

// Unmute releases members early. Members held by timed mute groups leave
// their group first; the reversal is recorded as its own unmute ticket.
func (w *Workflow) Unmute(ctx context.Context, req UnmuteRequest) (*Report, error) {
	return w.unmute(ctx, req, true)
}

// Release is Unmute for members the platform already let speak again.
func (w *Workflow) Release(ctx context.Context, req UnmuteRequest) (*Report, error) {
	return w.unmute(ctx, req, false)
}

func (w *Workflow) unmute(ctx context.Context, req UnmuteRequest, reverse bool) (*Report, error) {
	if len(req.MemberIDs) == 0 {
		return nil, merrors.ErrEmptyMembers
	}

	roles := make(map[int64]int64, len(req.MemberIDs))
	originals := map[int64]mutes.Group{}
	for _, id := range req.MemberIDs {
		roles[id] = req.RoleID
		if g, ok := w.mutes.Lookup(req.GuildID, id); ok {
			roles[id] = g.RoleID
			originals[g.TicketID] = g
		}
	}
	if _, err := w.mutes.RemoveMembers(ctx, req.GuildID, req.MemberIDs); err != nil {
		return nil, fmt.Errorf("release mute groups: %w", err)
	}

	results := w.each(req.MemberIDs, func(memberID int64) (action.Outcome, error) {
		if !reverse {
			return action.Success, nil
		}
		target := action.Target{GuildID: req.GuildID, MemberID: memberID, RoleID: roles[memberID]}
		return w.executor.Reverse(ctx, action.KindMute, target, req.Reason)
	})
	report := &Report{}
	report.Succeeded, report.Failed = action.Partition(results)
	if len(report.Succeeded) == 0 {
		return report, nil
	}

	ext := &tickets.Unmute{RoleID: req.RoleID}
	if len(originals) == 1 {
		for _, g := range originals {
			ext.RoleID = g.RoleID
			ext.OriginalTicketID = g.TicketID
			ext.OriginalDisplayID = g.DisplayID
		}
	}
	ticket, err := w.store.Create(ctx, tickets.CreateRequest{
		GuildID:     req.GuildID,
		ModeratorID: req.ModeratorID,
		AgentID:     req.AgentID,
		MemberIDs:   report.Succeeded,
		Type:        tickets.TypeUnmute,
		Extension:   ext,
		Reason:      req.Reason,
	})
	if err != nil {
		return report, fmt.Errorf("record unmute: %w", err)
	}
	report.Ticket = w.post(ctx, ticket, report)
	return report, nil
}

// Note records a note about members without acting on them.
func (w *Workflow) Note(ctx context.Context, req NoteRequest) (*Report, error) {
	ticket, err := w.store.Create(ctx, tickets.CreateRequest{
		GuildID:     req.GuildID,
		ModeratorID: req.ModeratorID,
		MemberIDs:   req.MemberIDs,
		Type:        tickets.TypeNote,
		Reason:      req.Reason,
	})
	if err != nil {
		return nil, err
	}
	report := &Report{Succeeded: ticket.MemberIDs}
	report.Ticket = w.post(ctx, ticket, report)
	return report, nil
}

func (w *Workflow) ticketFor(req Request) (tickets.Type, tickets.Extension, error) {
	switch req.Kind {
	case action.KindMute:
		if req.Duration == 0 {
			return tickets.TypeMute, &tickets.Mute{RoleID: req.RoleID}, nil
		}
		if req.Duration < time.Second || req.Duration > w.maxMuteDuration {
			return "", nil, fmt.Errorf("%w: %s, allowed 1s to %s", merrors.ErrInvalidDuration, req.Duration, w.maxMuteDuration)
		}
		return tickets.TypeTimedMute, &tickets.TimedMute{RoleID: req.RoleID, Duration: req.Duration}, nil
	case action.KindBan:
		return tickets.TypeBan, nil, nil
	case action.KindUnban:
		return tickets.TypeUnban, nil, nil
	case action.KindKick:
		return tickets.TypeKick, nil, nil
	case action.KindPreban:
		return tickets.TypePreban, nil, nil
	}
	return "", nil, fmt.Errorf("%w: unknown action %q", merrors.ErrInvalidType, req.Kind)
}

// each runs fn for every distinct member concurrently and collects results
// in member order. A failing member never cancels the others.
func (w *Workflow) each(memberIDs []int64, fn func(memberID int64) (action.Outcome, error)) []action.Result {
	seen := make(map[int64]struct{}, len(memberIDs))
	members := make([]int64, 0, len(memberIDs))
	for _, id := range memberIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	results := make([]action.Result, len(members))
	var eg errgroup.Group
	eg.SetLimit(applyConcurrency)
	for i, memberID := range members {
		eg.Go(func() error {
			outcome, err := fn(memberID)
			if err != nil && outcome == action.Success {
				outcome = action.InternalUnknown
			}
			results[i] = action.Result{MemberID: memberID, Outcome: outcome, Err: err}
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (w *Workflow) post(ctx context.Context, t *tickets.Ticket, report *Report) *tickets.Ticket {
	posted, err := w.store.Post(ctx, t)
	if err != nil {
		report.PostErr = err
		w.getLogEntry().WithField("ticket_id", t.ID).WithError(err).Warn("failed to post ticket")
	}
	return posted
}
