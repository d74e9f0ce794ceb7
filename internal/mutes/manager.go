package mutes

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/iamwavecut/modbot/internal/action"
	merrors "github.com/iamwavecut/modbot/internal/errors"
	"github.com/iamwavecut/modbot/internal/lifecycle"
	"github.com/iamwavecut/modbot/internal/observability"
	"github.com/iamwavecut/modbot/internal/tickets"
)

const (
	tracerName = "github.com/iamwavecut/modbot/internal/mutes"

	failuresBuffer     = 32
	bookkeepingTimeout = 30 * time.Second
)

var ErrNotRunning = errors.New("mute manager is not running")

// Group is a point-in-time view of a scheduled mute group.
type Group struct {
	TicketID  int64
	DisplayID int64
	GuildID   int64
	RoleID    int64
	UnmuteAt  time.Time
	MemberIDs []int64
}

// group is the live state of a timed mute ticket. All fields except the
// immutable ticket and mute payload are guarded by Manager.mu.
type group struct {
	ticket  *tickets.Ticket
	mute    tickets.TimedMute
	members map[int64]struct{}

	runCtx context.Context
	// ctx is cancelled on teardown and on shutdown; it gates the reversal.
	ctx    context.Context
	cancel context.CancelFunc

	firing bool
	torn   bool
	// reversals holds the members whose reversal was issued by the firing;
	// each channel is closed once the platform call returns.
	reversals map[int64]chan struct{}
}

func (g *group) memberIDs() []int64 {
	ids := make([]int64, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (g *group) view() Group {
	return Group{
		TicketID:  g.ticket.ID,
		DisplayID: g.ticket.GuildDisplayID,
		GuildID:   g.ticket.GuildID,
		RoleID:    g.mute.RoleID,
		UnmuteAt:  g.mute.UnmuteAt,
		MemberIDs: g.memberIDs(),
	}
}

// Manager keeps the timed mutes of every guild scheduled for reversal. The
// persisted membership table is authoritative; the in-memory index mirrors it
// for cheap "is this member muted" lookups and is rebuilt by Launch.
type Manager struct {
	tickets  ticketStore
	db       groupStore
	executor action.Executor
	resolver Resolver
	clock    clockwork.Clock
	agentID  int64
	tracer   trace.Tracer

	mu     sync.Mutex
	groups map[int64]*group
	index  map[int64]map[int64]*group

	runMutex  sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	workersWg sync.WaitGroup

	failures chan error
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithAgentID sets the identity recorded as the executor of automatic unmutes.
func WithAgentID(id int64) Option {
	return func(m *Manager) { m.agentID = id }
}

func NewManager(store ticketStore, db groupStore, executor action.Executor, resolver Resolver, opts ...Option) *Manager {
	m := &Manager{
		tickets:  store,
		db:       db,
		executor: executor,
		resolver: resolver,
		clock:    clockwork.NewRealClock(),
		tracer:   otel.Tracer(tracerName),
		groups:   map[int64]*group{},
		index:    map[int64]map[int64]*group{},
		failures: make(chan error, failuresBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) getLogEntry() *log.Entry {
	return log.WithField("object", "MuteManager")
}

// Run opens the manager for scheduling and restores the persisted groups.
func (m *Manager) Run(ctx context.Context) error {
	m.runMutex.Lock()
	if m.started {
		m.runMutex.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.runCancel = cancel
	m.started = true
	m.runMutex.Unlock()

	report, err := m.Launch(ctx)
	if err != nil {
		_ = m.Stop(ctx)
		return fmt.Errorf("launch mute groups: %w", err)
	}
	m.getLogEntry().WithFields(log.Fields{
		"scheduled": report.Scheduled,
		"stale":     report.Stale,
	}).Info("mute groups restored")
	return nil
}

// Stop cancels every pending reversal without tearing groups down, so they
// are picked up again by the next Launch.
func (m *Manager) Stop(ctx context.Context) error {
	m.runMutex.Lock()
	if !m.started {
		m.runMutex.Unlock()
		return nil
	}
	m.started = false
	cancel := m.runCancel
	m.runCancel = nil
	m.runMutex.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.workersWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	m.groups = map[int64]*group{}
	m.index = map[int64]map[int64]*group{}
	m.mu.Unlock()
	observability.SetMuteGroupsActive(0)
	return nil
}

func (m *Manager) Component() lifecycle.Component {
	return lifecycle.Func(m.Run, m.Stop)
}

// Failures reports unexpected errors and panics of scheduled reversals,
// wrapped with the owning ticket id. Errors are dropped when nobody reads.
func (m *Manager) Failures() <-chan error {
	return m.failures
}

func (m *Manager) isRunning() bool {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()
	return m.started
}

// Start registers memberIDs under the timed mute ticket t and schedules its
// reversal. Members already muted by another group are evicted from it
// first, which resets their timer.
func (m *Manager) Start(ctx context.Context, t *tickets.Ticket, memberIDs []int64) error {
	mute, ok := t.TimedMute()
	if !ok {
		return fmt.Errorf("%w: ticket %d is %s", merrors.ErrNotTimedMute, t.ID, t.Type)
	}
	members := uniqueIDs(memberIDs)
	if len(members) == 0 {
		return merrors.ErrEmptyMembers
	}
	if !m.isRunning() {
		return ErrNotRunning
	}

	superseded, err := m.evict(ctx, t.GuildID, t.ID, members)
	if err != nil {
		return err
	}
	if err := m.db.AddMuteGroupMembers(ctx, t.ID, members); err != nil {
		return fmt.Errorf("persist mute group %d: %w", t.ID, err)
	}
	if err := m.register(t, mute, members); err != nil {
		return err
	}
	m.restore(ctx, t, mute, superseded)
	return nil
}

// Remove releases memberIDs from the group of ticketID without reversing
// their mute. The group is torn down once it is empty. Unknown groups and
// members are ignored.
func (m *Manager) Remove(ctx context.Context, ticketID int64, memberIDs []int64) error {
	m.mu.Lock()
	g, ok := m.groups[ticketID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.remove(ctx, g, memberIDs)
}

// RemoveMembers releases the given members of a guild from whichever groups
// hold them and returns the ids that were found.
func (m *Manager) RemoveMembers(ctx context.Context, guildID int64, memberIDs []int64) ([]int64, error) {
	byGroup := map[*group][]int64{}
	m.mu.Lock()
	for _, id := range uniqueIDs(memberIDs) {
		if g, ok := m.index[guildID][id]; ok {
			byGroup[g] = append(byGroup[g], id)
		}
	}
	m.mu.Unlock()

	var released []int64
	var errs error
	for g, ids := range byGroup {
		if err := m.remove(ctx, g, ids); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		released = append(released, ids...)
	}
	slices.Sort(released)
	return released, errs
}

// Cancel tears the group of ticketID down without reversing anything. Members
// not yet reversed by a concurrent firing are skipped.
func (m *Manager) Cancel(ctx context.Context, ticketID int64) error {
	m.mu.Lock()
	g, ok := m.groups[ticketID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(ctx, g)
}

func (m *Manager) Lookup(guildID, memberID int64) (Group, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.index[guildID][memberID]
	if !ok {
		return Group{}, false
	}
	return g.view(), true
}

// Groups lists the active groups ordered by ticket id.
func (m *Manager) Groups() []Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		res = append(res, g.view())
	}
	slices.SortFunc(res, func(a, b Group) int {
		return cmp.Compare(a.TicketID, b.TicketID)
	})
	return res
}

// evict moves members out of their previous groups. Members whose previous
// group already issued their reversal are returned once that reversal has
// returned, since it may have landed after the new mute.
func (m *Manager) evict(ctx context.Context, guildID, ticketID int64, members []int64) ([]int64, error) {
	evictions := map[*group][]int64{}
	var reversed []int64
	var inFlight []chan struct{}
	m.mu.Lock()
	for _, id := range members {
		g, ok := m.index[guildID][id]
		if !ok || g.ticket.ID == ticketID {
			continue
		}
		evictions[g] = append(evictions[g], id)
		if done, ok := g.reversals[id]; ok {
			reversed = append(reversed, id)
			inFlight = append(inFlight, done)
		}
	}
	m.mu.Unlock()

	var errs error
	for g, ids := range evictions {
		m.getLogEntry().WithFields(log.Fields{
			"ticket_id":     g.ticket.ID,
			"new_ticket_id": ticketID,
			"members":       ids,
		}).Debug("evicting members from previous mute group")
		if err := m.remove(ctx, g, ids); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return nil, errs
	}

	for _, done := range inFlight {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return reversed, nil
}

// restore mutes again the members an expiring group unmuted while they were
// being moved into t.
func (m *Manager) restore(ctx context.Context, t *tickets.Ticket, mute *tickets.TimedMute, memberIDs []int64) {
	for _, id := range memberIDs {
		entry := m.getLogEntry().WithFields(log.Fields{
			"ticket_id": t.ID,
			"member_id": id,
		})
		target := action.Target{GuildID: t.GuildID, MemberID: id, RoleID: mute.RoleID}
		outcome, err := m.executor.Apply(ctx, action.KindMute, target, t.Reason)
		if err != nil {
			entry.WithField("outcome", outcome).WithError(err).Error("failed to restore mute superseded by an expiring group")
			continue
		}
		entry.Info("reversal of expiring group superseded, mute restored")
	}
}

func (m *Manager) register(t *tickets.Ticket, mute *tickets.TimedMute, members []int64) error {
	m.runMutex.Lock()
	defer m.runMutex.Unlock()
	if !m.started {
		return ErrNotRunning
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[t.ID]
	if !ok {
		ctx, cancel := context.WithCancel(m.runCtx)
		g = &group{
			ticket:  t.Clone(),
			mute:    *mute,
			members: make(map[int64]struct{}, len(members)),
			runCtx:  m.runCtx,
			ctx:     ctx,
			cancel:  cancel,
		}
		m.groups[t.ID] = g

		delay := max(0, mute.UnmuteAt.Sub(m.clock.Now()))
		m.workersWg.Add(1)
		go m.run(g, delay)
	}

	guildIndex, ok := m.index[t.GuildID]
	if !ok {
		guildIndex = map[int64]*group{}
		m.index[t.GuildID] = guildIndex
	}
	for _, id := range members {
		g.members[id] = struct{}{}
		guildIndex[id] = g
	}
	observability.SetMuteGroupsActive(len(m.groups))
	return nil
}

func (m *Manager) remove(ctx context.Context, g *group, memberIDs []int64) error {
	members := uniqueIDs(memberIDs)
	if len(members) == 0 {
		return nil
	}
	if err := m.db.RemoveMuteGroupMembers(ctx, g.ticket.ID, members); err != nil {
		return fmt.Errorf("remove members of mute group %d: %w", g.ticket.ID, err)
	}

	m.mu.Lock()
	if g.torn {
		m.mu.Unlock()
		return nil
	}
	guildIndex := m.index[g.ticket.GuildID]
	for _, id := range members {
		delete(g.members, id)
		if guildIndex[id] == g {
			delete(guildIndex, id)
		}
	}
	// A firing group is torn down by the firing itself.
	empty := len(g.members) == 0 && !g.firing
	m.mu.Unlock()

	if empty {
		return m.teardown(ctx, g)
	}
	return nil
}

// teardown drops every trace of g. Repeated calls are no-ops.
func (m *Manager) teardown(ctx context.Context, g *group) error {
	m.mu.Lock()
	if g.torn {
		m.mu.Unlock()
		return nil
	}
	g.torn = true
	g.cancel()
	if guildIndex, ok := m.index[g.ticket.GuildID]; ok {
		for id := range g.members {
			if guildIndex[id] == g {
				delete(guildIndex, id)
			}
		}
		if len(guildIndex) == 0 {
			delete(m.index, g.ticket.GuildID)
		}
	}
	if m.groups[g.ticket.ID] == g {
		delete(m.groups, g.ticket.ID)
	}
	active := len(m.groups)
	m.mu.Unlock()

	observability.SetMuteGroupsActive(active)
	if err := m.tickets.Delete(ctx, g.ticket.ID); err != nil {
		return fmt.Errorf("delete mute ticket %d: %w", g.ticket.ID, err)
	}
	m.getLogEntry().WithField("ticket_id", g.ticket.ID).Debug("mute group torn down")
	return nil
}

func (m *Manager) fail(ticketID int64, err error) {
	m.getLogEntry().WithField("ticket_id", ticketID).WithError(err).Error("mute group failed")
	select {
	case m.failures <- fmt.Errorf("mute group %d: %w", ticketID, err):
	default:
		m.getLogEntry().WithField("ticket_id", ticketID).Warn("failures channel full, dropping error")
	}
}

func uniqueIDs(ids []int64) []int64 {
	res := slices.Clone(ids)
	slices.Sort(res)
	return slices.Compact(res)
}
