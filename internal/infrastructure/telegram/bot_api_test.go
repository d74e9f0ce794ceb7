package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/jonboulle/clockwork"

	"github.com/iamwavecut/modbot/internal/action"
	"github.com/iamwavecut/modbot/internal/db"
	merrors "github.com/iamwavecut/modbot/internal/errors"
	"github.com/iamwavecut/modbot/internal/tickets"
)

const (
	botID     = int64(1000)
	guildID   = int64(-100200)
	channelID = int64(-100300)
)

type apiCall struct {
	method string
	form   url.Values
}

// fakeBotAPI answers Bot API methods with queued JSON replies. The last reply
// of a method is repeated; unknown methods answer {"ok":true,"result":true}.
type fakeBotAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	replies map[string][]string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseMultipartForm(1 << 20)
	method := path.Base(r.URL.Path)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, form: r.Form})
	reply := `{"ok":true,"result":true}`
	if queue := f.replies[method]; len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			f.replies[method] = queue[1:]
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, reply)
}

func (f *fakeBotAPI) reply(method string, replies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = append(f.replies[method], replies...)
}

// methods lists the calls made after the bot was constructed.
func (f *fakeBotAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []string
	for _, c := range f.calls {
		if c.method != "getMe" {
			res = append(res, c.method)
		}
	}
	return res
}

func (f *fakeBotAPI) last(method string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i].form
		}
	}
	return nil
}

func apiError(description string) string {
	return fmt.Sprintf(`{"ok":false,"error_code":400,"description":%q}`, description)
}

func sentMessage(messageID int) string {
	return fmt.Sprintf(`{"ok":true,"result":{"message_id":%d,"date":0,"chat":{"id":%d,"type":"channel"}}}`, messageID, channelID)
}

func newTestBot(t *testing.T) (*api.BotAPI, *fakeBotAPI) {
	t.Helper()

	fake := &fakeBotAPI{replies: map[string][]string{
		"getMe": {fmt.Sprintf(`{"ok":true,"result":{"id":%d,"is_bot":true,"first_name":"modbot","username":"modbot"}}`, botID)},
	}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	bot, err := api.NewBotAPIWithAPIEndpoint("test-token", srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("new bot api: %v", err)
	}
	return bot, fake
}

type memoryModlogStore struct {
	mu       sync.Mutex
	channels map[int64]db.ModlogChannel
}

func (s *memoryModlogStore) GetModlogChannel(ctx context.Context, guildID int64) (*db.ModlogChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[guildID]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (s *memoryModlogStore) UpsertModlogChannel(ctx context.Context, channel *db.ModlogChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel.GuildID] = *channel
	return nil
}

func (s *memoryModlogStore) DeleteModlogChannel(ctx context.Context, guildID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, guildID)
	return nil
}

var testSummary = tickets.Summary{
	Title:     "Case #2 | Ban",
	Fields:    []tickets.Field{{Name: "Members", Value: "5"}},
	CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
}

func newTestModlog(t *testing.T) (*Modlog, *fakeBotAPI, *memoryModlogStore) {
	t.Helper()

	bot, fake := newTestBot(t)
	store := &memoryModlogStore{channels: map[int64]db.ModlogChannel{}}
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	modlog := NewModlog(bot, store, WithClock(clock))
	if err := modlog.SetChannel(context.Background(), guildID, channelID); err != nil {
		t.Fatalf("set channel: %v", err)
	}
	return modlog, fake, store
}

func TestModlogSetChannelUsesClock(t *testing.T) {
	t.Parallel()

	_, _, store := newTestModlog(t)
	ch := store.channels[guildID]
	if ch.ChannelID != channelID || ch.UpdatedAt != time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli() {
		t.Fatalf("unexpected channel: %+v", ch)
	}
}

func TestModlogPostsNewMessage(t *testing.T) {
	t.Parallel()

	modlog, fake, _ := newTestModlog(t)
	fake.reply("sendMessage", sentMessage(41))

	id, err := modlog.PostOrUpdate(context.Background(), guildID, 0, testSummary)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if id != 41 {
		t.Fatalf("unexpected message id %d", id)
	}
	form := fake.last("sendMessage")
	if form.Get("chat_id") != fmt.Sprint(channelID) || form.Get("parse_mode") != api.ModeHTML {
		t.Fatalf("unexpected send form: %v", form)
	}
}

func TestModlogEditsInPlace(t *testing.T) {
	t.Parallel()

	modlog, fake, _ := newTestModlog(t)
	fake.reply("editMessageText", sentMessage(10), apiError("Bad Request: message is not modified: specified new message content and reply markup are exactly the same"))

	for range 2 {
		id, err := modlog.PostOrUpdate(context.Background(), guildID, 10, testSummary)
		if err != nil {
			t.Fatalf("edit: %v", err)
		}
		if id != 10 {
			t.Fatalf("edit must keep the message id, got %d", id)
		}
	}
	if got := fake.methods(); len(got) != 2 || got[0] != "editMessageText" || got[1] != "editMessageText" {
		t.Fatalf("unexpected calls: %v", got)
	}
	if form := fake.last("editMessageText"); form.Get("message_id") != "10" {
		t.Fatalf("unexpected edit form: %v", form)
	}
}

func TestModlogRepostsGoneMessage(t *testing.T) {
	t.Parallel()

	modlog, fake, _ := newTestModlog(t)
	fake.reply("editMessageText", apiError("Bad Request: message to edit not found"))
	fake.reply("sendMessage", sentMessage(77))

	id, err := modlog.PostOrUpdate(context.Background(), guildID, 10, testSummary)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if id != 77 {
		t.Fatalf("expected a new message id, got %d", id)
	}
	if got := fake.methods(); len(got) != 2 || got[0] != "editMessageText" || got[1] != "sendMessage" {
		t.Fatalf("unexpected calls: %v", got)
	}
}

func TestModlogEditFailureIsReturned(t *testing.T) {
	t.Parallel()

	modlog, fake, _ := newTestModlog(t)
	fake.reply("editMessageText", apiError("Too Many Requests: retry after 3"))

	if _, err := modlog.PostOrUpdate(context.Background(), guildID, 10, testSummary); err == nil {
		t.Fatalf("expected an edit error")
	}
	if got := fake.methods(); len(got) != 1 {
		t.Fatalf("failed edit must not repost: %v", got)
	}
}

func TestModlogUnsetsUnreachableChannel(t *testing.T) {
	t.Parallel()

	modlog, fake, store := newTestModlog(t)
	fake.reply("sendMessage", apiError("Bad Request: chat not found"))

	_, err := modlog.PostOrUpdate(context.Background(), guildID, 0, testSummary)
	if !errors.Is(err, merrors.ErrModlogNotConfigured) {
		t.Fatalf("expected modlog not configured, got %v", err)
	}
	if ch, _ := store.GetModlogChannel(context.Background(), guildID); ch != nil {
		t.Fatalf("unreachable channel must be unset: %+v", ch)
	}

	if _, err := modlog.PostOrUpdate(context.Background(), guildID, 0, testSummary); !errors.Is(err, merrors.ErrModlogNotConfigured) {
		t.Fatalf("expected modlog not configured, got %v", err)
	}
	if got := fake.methods(); len(got) != 1 {
		t.Fatalf("unset channel must not be posted to: %v", got)
	}
}

func TestExecutorApply(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind    action.Kind
		methods []string
		check   func(t *testing.T, fake *fakeBotAPI)
	}{
		{kind: action.KindMute, methods: []string{"restrictChatMember"}, check: func(t *testing.T, fake *fakeBotAPI) {
			if fake.last("restrictChatMember").Get("use_independent_chat_permissions") != "true" {
				t.Fatalf("mute must use independent permissions")
			}
		}},
		{kind: action.KindBan, methods: []string{"banChatMember"}, check: func(t *testing.T, fake *fakeBotAPI) {
			if fake.last("banChatMember").Get("revoke_messages") != "true" {
				t.Fatalf("ban must revoke messages")
			}
		}},
		{kind: action.KindPreban, methods: []string{"banChatMember"}, check: func(t *testing.T, fake *fakeBotAPI) {
			if fake.last("banChatMember").Get("revoke_messages") == "true" {
				t.Fatalf("preban must keep messages")
			}
		}},
		{kind: action.KindKick, methods: []string{"banChatMember", "unbanChatMember"}},
		{kind: action.KindUnban, methods: []string{"unbanChatMember"}},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()

			bot, fake := newTestBot(t)
			outcome, err := NewExecutor(bot).Apply(context.Background(), tc.kind, action.Target{GuildID: guildID, MemberID: 5}, "spam")
			if err != nil || outcome != action.Success {
				t.Fatalf("apply: %s %v", outcome, err)
			}
			got := fake.methods()
			if len(got) != len(tc.methods) {
				t.Fatalf("unexpected calls: %v", got)
			}
			for i := range got {
				if got[i] != tc.methods[i] {
					t.Fatalf("unexpected calls: %v", got)
				}
			}
			form := fake.last(tc.methods[0])
			if form.Get("chat_id") != fmt.Sprint(guildID) || form.Get("user_id") != "5" {
				t.Fatalf("unexpected target: %v", form)
			}
			if tc.check != nil {
				tc.check(t, fake)
			}
		})
	}
}

func TestExecutorMapsFailures(t *testing.T) {
	t.Parallel()

	bot, fake := newTestBot(t)
	fake.reply("restrictChatMember", apiError("Bad Request: not enough rights to restrict/unrestrict chat member"))
	executor := NewExecutor(bot)

	outcome, err := executor.Reverse(context.Background(), action.KindMute, action.Target{GuildID: guildID, MemberID: 5}, "")
	if err == nil || outcome != action.Forbidden {
		t.Fatalf("expected forbidden, got %s %v", outcome, err)
	}

	outcome, err = executor.Reverse(context.Background(), action.KindKick, action.Target{GuildID: guildID, MemberID: 5}, "")
	if !errors.Is(err, errIrreversible) || outcome != action.InternalUnknown {
		t.Fatalf("kick must be irreversible, got %s %v", outcome, err)
	}
	if got := fake.methods(); len(got) != 1 {
		t.Fatalf("irreversible actions must not call the api: %v", got)
	}
}

func TestResolver(t *testing.T) {
	t.Parallel()

	bot, fake := newTestBot(t)
	resolver := NewResolver(bot)
	ctx := context.Background()

	fake.reply("getChat",
		fmt.Sprintf(`{"ok":true,"result":{"id":%d,"type":"supergroup"}}`, guildID),
		apiError("Bad Request: chat not found"),
		apiError("Too Many Requests: retry after 3"),
	)
	if ok, err := resolver.GuildExists(ctx, guildID); err != nil || !ok {
		t.Fatalf("guild should exist: %v %v", ok, err)
	}
	if ok, err := resolver.GuildExists(ctx, guildID); err != nil || ok {
		t.Fatalf("guild should be gone: %v %v", ok, err)
	}
	if _, err := resolver.GuildExists(ctx, guildID); err == nil {
		t.Fatalf("lookup errors must be returned")
	}

	fake.reply("getChatMember",
		fmt.Sprintf(`{"ok":true,"result":{"user":{"id":%d,"is_bot":true,"first_name":"modbot"},"status":"administrator","can_restrict_members":true}}`, botID),
		fmt.Sprintf(`{"ok":true,"result":{"user":{"id":%d,"is_bot":true,"first_name":"modbot"},"status":"member"}}`, botID),
	)
	if ok, err := resolver.RoleExists(ctx, guildID, 0); err != nil || !ok {
		t.Fatalf("bot should be able to restrict: %v %v", ok, err)
	}
	if ok, err := resolver.RoleExists(ctx, guildID, 0); err != nil || ok {
		t.Fatalf("plain member cannot restrict: %v %v", ok, err)
	}
	if form := fake.last("getChatMember"); form.Get("user_id") != fmt.Sprint(botID) {
		t.Fatalf("resolver must ask about the bot itself: %v", form)
	}
}
