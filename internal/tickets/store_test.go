package tickets

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/iamwavecut/modbot/internal/db/sqlite"
	merrors "github.com/iamwavecut/modbot/internal/errors"
)

type fakeSink struct {
	mu      sync.Mutex
	nextID  int64
	err     error
	missing map[int64]bool
	posts   []Summary
	calls   []int64
}

func (f *fakeSink) PostOrUpdate(ctx context.Context, guildID int64, messageID int64, summary Summary) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, messageID)
	if f.err != nil {
		return 0, f.err
	}
	f.posts = append(f.posts, summary)
	if messageID != 0 && !f.missing[messageID] {
		return messageID, nil
	}
	f.nextID++
	return f.nextID, nil
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, sink Sink, opts ...Option) (*Store, *clockwork.FakeClock) {
	t.Helper()

	client, err := sqlite.NewSQLiteClient(context.Background(), t.TempDir(), "test.db")
	if err != nil {
		t.Fatalf("new sqlite client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if sink == nil {
		sink = &fakeSink{}
	}
	clock := clockwork.NewFakeClockAt(testEpoch)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewStore(client, DefaultRegistry(), sink, opts...), clock
}

func TestCreateTimedMuteHydratesExtension(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, nil)

	ticket, err := store.Create(ctx, CreateRequest{
		GuildID:     100,
		ModeratorID: 1,
		MemberIDs:   []int64{7, 5, 7},
		Type:        TypeTimedMute,
		Extension:   &TimedMute{RoleID: 42, Duration: time.Minute},
		Reason:      "flood",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if ticket.ID == 0 || ticket.GuildDisplayID != 1 {
		t.Fatalf("unexpected ids: %d/%d", ticket.ID, ticket.GuildDisplayID)
	}
	if ticket.AgentID != 1 {
		t.Fatalf("agent should default to moderator, got %d", ticket.AgentID)
	}
	if len(ticket.MemberIDs) != 2 || ticket.MemberIDs[0] != 5 || ticket.MemberIDs[1] != 7 {
		t.Fatalf("unexpected members: %v", ticket.MemberIDs)
	}
	ext, ok := ticket.TimedMute()
	if !ok {
		t.Fatalf("missing timed mute extension: %#v", ticket.Extension)
	}
	if ext.RoleID != 42 || ext.Duration != time.Minute {
		t.Fatalf("unexpected extension: %#v", ext)
	}
	if !ext.UnmuteAt.Equal(testEpoch.Add(time.Minute)) {
		t.Fatalf("unexpected unmute at: %v", ext.UnmuteAt)
	}
	if !ticket.CreatedAt.Equal(testEpoch) {
		t.Fatalf("unexpected created at: %v", ticket.CreatedAt)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, nil)

	cases := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{
			name: "empty members",
			req:  CreateRequest{GuildID: 1, ModeratorID: 1, Type: TypeBan},
			want: merrors.ErrInvalidType,
		},
		{
			name: "unregistered type",
			req:  CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{1}, Type: "warn"},
			want: merrors.ErrUnregisteredType,
		},
		{
			name: "timed mute without extension",
			req:  CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{1}, Type: TypeTimedMute},
			want: merrors.ErrInvalidType,
		},
		{
			name: "timed mute without duration",
			req:  CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{1}, Type: TypeTimedMute, Extension: &TimedMute{RoleID: 1}},
			want: merrors.ErrInvalidDuration,
		},
		{
			name: "extension on a plain type",
			req:  CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{1}, Type: TypeKick, Extension: &Mute{RoleID: 1}},
			want: merrors.ErrInvalidType,
		},
	}
	for _, tc := range cases {
		if _, err := store.Create(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	all, err := store.Fetch(ctx, Filter{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("rejected requests left tickets behind: %d", len(all))
	}
}

func TestFetchFilters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, nil)

	mustCreate := func(guildID int64, typ Type, members ...int64) *Ticket {
		t.Helper()
		var ext Extension
		if typ == TypeMute {
			ext = &Mute{RoleID: 3}
		}
		ticket, err := store.Create(ctx, CreateRequest{GuildID: guildID, ModeratorID: 9, MemberIDs: members, Type: typ, Extension: ext})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return ticket
	}

	a := mustCreate(1, TypeBan, 10, 11)
	mustCreate(2, TypeBan, 10)
	c := mustCreate(1, TypeMute, 11)
	d := mustCreate(1, TypeNote, 12)

	byMember, err := store.Fetch(ctx, Filter{GuildID: 1, MemberID: 11})
	if err != nil {
		t.Fatalf("fetch by member: %v", err)
	}
	if len(byMember) != 2 || byMember[0].ID != a.ID || byMember[1].ID != c.ID {
		t.Fatalf("unexpected tickets by member: %v", ids(byMember))
	}
	if byMember[1].GuildDisplayID != 2 {
		t.Fatalf("expected display id 2, got %d", byMember[1].GuildDisplayID)
	}
	if m, ok := byMember[1].Mute(); !ok || m.RoleID != 3 {
		t.Fatalf("mute extension not hydrated: %#v", byMember[1].Extension)
	}

	byType, err := store.Fetch(ctx, Filter{Types: []Type{TypeNote, TypeMute}})
	if err != nil {
		t.Fatalf("fetch by type: %v", err)
	}
	if len(byType) != 2 || byType[0].ID != c.ID || byType[1].ID != d.ID {
		t.Fatalf("unexpected tickets by type: %v", ids(byType))
	}

	if _, err := store.Get(ctx, 9999); !errors.Is(err, merrors.ErrTicketNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateReplacesMembers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, nil)

	ticket, err := store.Create(ctx, CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{1, 2, 3}, Type: TypeBan})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Update(ctx, ticket.ID, Update{MemberIDs: []int64{3}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Update(ctx, ticket.ID, Update{MemberIDs: []int64{}}); !errors.Is(err, merrors.ErrInvalidType) {
		t.Fatalf("expected empty member rejection, got %v", err)
	}

	got, err := store.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.MemberIDs) != 1 || got.MemberIDs[0] != 3 {
		t.Fatalf("unexpected members: %v", got.MemberIDs)
	}
}

func TestPostIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := &fakeSink{missing: map[int64]bool{}}
	store, _ := newTestStore(t, sink)

	ticket, err := store.Create(ctx, CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{5}, Type: TypeKick, Reason: "rude"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	posted, err := store.Post(ctx, ticket)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if posted.ModlogMessageID != 1 {
		t.Fatalf("expected message id 1, got %d", posted.ModlogMessageID)
	}

	again, err := store.Post(ctx, posted)
	if err != nil {
		t.Fatalf("repost: %v", err)
	}
	if again.ModlogMessageID != 1 {
		t.Fatalf("repost should keep the message id, got %d", again.ModlogMessageID)
	}

	sink.missing[1] = true
	replaced, err := store.Post(ctx, again)
	if err != nil {
		t.Fatalf("post after message loss: %v", err)
	}
	if replaced.ModlogMessageID != 2 {
		t.Fatalf("expected a fresh message id, got %d", replaced.ModlogMessageID)
	}

	stored, err := store.Get(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.ModlogMessageID != 2 {
		t.Fatalf("message id not persisted: %d", stored.ModlogMessageID)
	}
	if want := []int64{0, 1, 1}; len(sink.calls) != 3 || sink.calls[0] != want[0] || sink.calls[1] != want[1] || sink.calls[2] != want[2] {
		t.Fatalf("unexpected sink calls: %v", sink.calls)
	}
}

func TestPostFailureKeepsTicket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink := &fakeSink{err: errors.New("telegram down")}
	store, _ := newTestStore(t, sink)

	ticket, err := store.Create(ctx, CreateRequest{GuildID: 1, ModeratorID: 1, MemberIDs: []int64{5}, Type: TypeBan})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Post(ctx, ticket); err == nil {
		t.Fatalf("expected post error")
	}
	if _, err := store.Get(ctx, ticket.ID); err != nil {
		t.Fatalf("ticket must survive a failed post: %v", err)
	}

	sink.err = merrors.ErrModlogNotConfigured
	same, err := store.Post(ctx, ticket)
	if err != nil {
		t.Fatalf("missing modlog channel is not an error: %v", err)
	}
	if same.ModlogMessageID != 0 {
		t.Fatalf("unexpected message id: %d", same.ModlogMessageID)
	}
}

func TestRenderDispatchesOnType(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, nil)

	timed := &Ticket{
		GuildDisplayID: 4,
		ModeratorID:    1,
		AgentID:        2,
		MemberIDs:      []int64{5, 6},
		Type:           TypeTimedMute,
		Extension:      &TimedMute{RoleID: 9, Duration: 90 * time.Second, UnmuteAt: testEpoch},
	}
	summary := store.Render(timed)
	if summary.Title != "Case #4 | Timed mute" {
		t.Fatalf("unexpected title: %q", summary.Title)
	}
	fields := fieldMap(summary)
	if fields["Duration"] != "1m30s" || fields["Role"] != "9" || fields["Members"] != "5, 6" {
		t.Fatalf("unexpected fields: %v", fields)
	}
	if fields["Executed by"] != "2" || fields["Reason"] != "No reason given" {
		t.Fatalf("unexpected base fields: %v", fields)
	}

	unmute := &Ticket{
		GuildDisplayID: 5,
		ModeratorID:    1,
		MemberIDs:      []int64{5},
		Type:           TypeUnmute,
		Reason:         "served",
		Extension:      &Unmute{RoleID: 9, OriginalTicketID: 12, OriginalDisplayID: 4},
	}
	fields = fieldMap(store.Render(unmute))
	if fields["Reverses case"] != "#4" || fields["Reason"] != "served" {
		t.Fatalf("unexpected unmute fields: %v", fields)
	}
	if _, ok := fields["Executed by"]; ok {
		t.Fatalf("agent line should be omitted when agent is unset")
	}
}

func TestRenderLocalized(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, nil, WithLanguage("ru"))
	summary := store.Render(&Ticket{GuildDisplayID: 1, ModeratorID: 1, MemberIDs: []int64{1}, Type: TypeBan})
	if !strings.Contains(summary.Title, "Бан") {
		t.Fatalf("expected localized title, got %q", summary.Title)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := DefaultRegistry()
	for _, typ := range Types {
		h, err := registry.Lookup(typ)
		if err != nil {
			t.Fatalf("lookup %s: %v", typ, err)
		}
		if h.Type() != typ {
			t.Fatalf("handler for %s reports %s", typ, h.Type())
		}
	}
	if _, err := registry.Lookup("warn"); !errors.Is(err, merrors.ErrUnregisteredType) {
		t.Fatalf("expected unregistered type error, got %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("duplicate registration should panic")
			}
		}()
		NewRegistry(newPlainHandler(TypeBan), newPlainHandler(TypeBan))
	}()
}

func fieldMap(s Summary) map[string]string {
	m := make(map[string]string, len(s.Fields))
	for _, f := range s.Fields {
		m[f.Name] = f.Value
	}
	return m
}

func ids(tickets []*Ticket) []int64 {
	res := make([]int64, 0, len(tickets))
	for _, t := range tickets {
		res = append(res, t.ID)
	}
	return res
}
