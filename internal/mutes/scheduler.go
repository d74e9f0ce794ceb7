package mutes

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iamwavecut/modbot/internal/action"
	"github.com/iamwavecut/modbot/internal/infra"
	"github.com/iamwavecut/modbot/internal/observability"
	"github.com/iamwavecut/modbot/internal/tickets"
)

// LaunchReport summarizes a Launch.
type LaunchReport struct {
	Scheduled int
	Stale     int
}

// Launch rebuilds the groups of every persisted timed mute. Groups with no
// pending members, or whose guild or role is gone, are deleted instead.
// Overdue groups fire right away.
func (m *Manager) Launch(ctx context.Context) (LaunchReport, error) {
	var report LaunchReport
	if !m.isRunning() {
		return report, ErrNotRunning
	}

	timed, err := m.tickets.Fetch(ctx, tickets.Filter{Types: []tickets.Type{tickets.TypeTimedMute}})
	if err != nil {
		return report, fmt.Errorf("load timed mutes: %w", err)
	}
	members, err := m.db.GetMuteGroupMembers(ctx)
	if err != nil {
		return report, fmt.Errorf("load mute group members: %w", err)
	}

	var errs error
	for _, t := range timed {
		mute, ok := t.TimedMute()
		if !ok {
			continue
		}
		entry := m.getLogEntry().WithFields(log.Fields{
			"ticket_id": t.ID,
			"guild_id":  t.GuildID,
		})

		ids := members[t.ID]
		if reason := m.staleReason(ctx, t, mute, ids); reason != "" {
			entry.WithField("reason", reason).Info("dropping stale mute group")
			if err := m.tickets.Delete(ctx, t.ID); err != nil {
				errs = errors.Join(errs, err)
				continue
			}
			report.Stale++
			continue
		}

		if _, err := m.evict(ctx, t.GuildID, t.ID, ids); err != nil {
			errs = errors.Join(errs, err)
		}
		if err := m.register(t, mute, ids); err != nil {
			return report, errors.Join(errs, err)
		}
		entry.WithField("unmute_at", mute.UnmuteAt).Trace("mute group scheduled")
		report.Scheduled++
	}
	return report, errs
}

// staleReason returns why a persisted group must not be rescheduled, or an
// empty string. Lookup errors keep the group.
func (m *Manager) staleReason(ctx context.Context, t *tickets.Ticket, mute *tickets.TimedMute, members []int64) string {
	if len(members) == 0 {
		return "no pending members"
	}
	if m.resolver == nil {
		return ""
	}
	entry := m.getLogEntry().WithField("ticket_id", t.ID)

	exists, err := m.resolver.GuildExists(ctx, t.GuildID)
	if err != nil {
		entry.WithError(err).Warn("cannot resolve guild, keeping mute group")
		return ""
	}
	if !exists {
		return "guild not found"
	}

	exists, err = m.resolver.RoleExists(ctx, t.GuildID, mute.RoleID)
	if err != nil {
		entry.WithError(err).Warn("cannot resolve role, keeping mute group")
		return ""
	}
	if !exists {
		return "role not found"
	}
	return ""
}

func (m *Manager) run(g *group, delay time.Duration) {
	defer m.workersWg.Done()
	defer func() {
		if r := recover(); r != nil {
			m.fail(g.ticket.ID, infra.PanicError("mute reversal", r))
		}
	}()

	if delay > 0 {
		timer := m.clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-g.ctx.Done():
			return
		case <-timer.Chan():
		}
	}

	if err := m.fire(g); err != nil && !errors.Is(err, context.Canceled) {
		m.fail(g.ticket.ID, err)
	}
}

// fire reverses the mute of every pending member, records an unmute ticket
// for the attempt and tears the group down. A shutdown during the reversal
// leaves the group persisted for the next Launch.
func (m *Manager) fire(g *group) (err error) {
	m.mu.Lock()
	if g.ctx.Err() != nil {
		m.mu.Unlock()
		return nil
	}
	g.firing = true
	members := g.memberIDs()
	m.mu.Unlock()

	ctx, span := m.tracer.Start(g.runCtx, "mutes.Fire", trace.WithAttributes(
		attribute.Int64("ticket_id", g.ticket.ID),
		attribute.Int("members", len(members)),
	))
	defer span.End()

	entry := m.getLogEntry().WithFields(log.Fields{
		"ticket_id": g.ticket.ID,
		"guild_id":  g.ticket.GuildID,
	})
	entry.WithField("members", members).Debug("mute expired, reversing")

	results := m.reverseAll(ctx, g, members)
	if err := ctx.Err(); err != nil {
		entry.Info("shutdown during reversal, mute group left for recovery")
		return err
	}

	bookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	defer func() {
		if tdErr := m.teardown(bookCtx, g); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if len(results) == 0 {
		return nil
	}
	return m.recordReversal(bookCtx, g, results)
}

// reverseAll reverses every member concurrently. Members released while the
// group fires are skipped; a failing member never stops the others. A member
// moved into a newer group mid-reversal is muted again by that group's Start.
func (m *Manager) reverseAll(ctx context.Context, g *group, members []int64) []action.Result {
	results := make([]action.Result, len(members))
	attempted := make([]bool, len(members))

	var eg errgroup.Group
	for i, memberID := range members {
		eg.Go(func() error {
			done, ok := m.claim(g, memberID)
			if !ok {
				return nil
			}
			defer close(done)
			attempted[i] = true

			target := action.Target{GuildID: g.ticket.GuildID, MemberID: memberID, RoleID: g.mute.RoleID}
			outcome, err := m.executor.Reverse(ctx, action.KindMute, target, g.ticket.Reason)
			if err != nil && outcome == action.Success {
				outcome = action.InternalUnknown
			}
			results[i] = action.Result{MemberID: memberID, Outcome: outcome, Err: err}
			observability.RecordMuteReversal(outcome.String())
			return nil
		})
	}
	_ = eg.Wait()

	res := make([]action.Result, 0, len(members))
	for i, r := range results {
		if attempted[i] {
			res = append(res, r)
		}
	}
	return res
}

// claim marks memberID as being reversed unless it left the group meanwhile.
func (m *Manager) claim(g *group, memberID int64) (chan struct{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := g.members[memberID]; !ok || g.torn {
		return nil, false
	}
	if g.reversals == nil {
		g.reversals = map[int64]chan struct{}{}
	}
	done := make(chan struct{})
	g.reversals[memberID] = done
	return done, true
}

func (m *Manager) recordReversal(ctx context.Context, g *group, results []action.Result) error {
	entry := m.getLogEntry().WithField("ticket_id", g.ticket.ID)

	memberIDs := make([]int64, 0, len(results))
	for _, r := range results {
		memberIDs = append(memberIDs, r.MemberID)
	}
	_, failed := action.Partition(results)
	for _, r := range failed {
		entry.WithFields(log.Fields{
			"member_id": r.MemberID,
			"outcome":   r.Outcome,
		}).WithError(r.Err).Warn("failed to reverse mute")
	}

	unmute, err := m.tickets.Create(ctx, tickets.CreateRequest{
		GuildID:     g.ticket.GuildID,
		ModeratorID: g.ticket.ModeratorID,
		AgentID:     m.agentID,
		MemberIDs:   memberIDs,
		Type:        tickets.TypeUnmute,
		Extension: &tickets.Unmute{
			RoleID:            g.mute.RoleID,
			OriginalTicketID:  g.ticket.ID,
			OriginalDisplayID: g.ticket.GuildDisplayID,
		},
		Reason: g.ticket.Reason,
	})
	if err != nil {
		return fmt.Errorf("create unmute ticket: %w", err)
	}
	entry.WithFields(log.Fields{
		"unmute_ticket_id": unmute.ID,
		"reversed":         len(memberIDs) - len(failed),
		"failed":           len(failed),
	}).Info("timed mute reversed")

	if _, err := m.tickets.Post(ctx, unmute); err != nil {
		entry.WithError(err).Warn("failed to post unmute ticket")
	}
	return nil
}
