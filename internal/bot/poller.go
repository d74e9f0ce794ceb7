package bot

import (
	"context"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	UpdateTimeout = 5 * time.Minute

	pollTimeoutSeconds = 30
	pollRetryDelay     = 3 * time.Second
)

// Handler reacts to one update. Returning proceed=false stops the chain.
type Handler interface {
	Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error)
}

type updatesSource interface {
	GetUpdates(config api.UpdateConfig) ([]api.Update, error)
}

// Poller long-polls the Bot API and feeds every update through the
// registered handlers. It satisfies lifecycle.Component.
type Poller struct {
	source   updatesSource
	handlers []Handler
	clock    clockwork.Clock
	allowed  []string

	runMutex  sync.Mutex
	started   bool
	runCancel context.CancelFunc
	workersWg sync.WaitGroup
}

type PollerOption func(*Poller)

func WithPollerClock(clock clockwork.Clock) PollerOption {
	return func(p *Poller) { p.clock = clock }
}

// WithAllowedUpdates narrows the update kinds requested from the API.
// chat_member updates are only delivered when asked for explicitly.
func WithAllowedUpdates(kinds ...string) PollerOption {
	return func(p *Poller) { p.allowed = kinds }
}

func NewPoller(source updatesSource, handlers []Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   source,
		handlers: handlers,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) getLogEntry() *log.Entry {
	return log.WithField("object", "Poller")
}

func (p *Poller) Start(ctx context.Context) error {
	p.runMutex.Lock()
	defer p.runMutex.Unlock()
	if p.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.runCancel = cancel
	p.started = true

	p.workersWg.Add(1)
	go func() {
		defer p.workersWg.Done()
		p.poll(runCtx)
	}()
	return nil
}

func (p *Poller) Stop(ctx context.Context) error {
	p.runMutex.Lock()
	if !p.started {
		p.runMutex.Unlock()
		return nil
	}
	p.started = false
	p.runCancel()
	p.runMutex.Unlock()

	done := make(chan struct{})
	go func() {
		p.workersWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Poller) poll(ctx context.Context) {
	config := api.NewUpdate(0)
	config.Timeout = pollTimeoutSeconds
	config.AllowedUpdates = p.allowed

	for ctx.Err() == nil {
		updates, err := p.source.GetUpdates(config)
		if err != nil {
			p.getLogEntry().WithError(err).Warn("get updates failed")
			select {
			case <-ctx.Done():
				return
			case <-p.clock.After(pollRetryDelay):
			}
			continue
		}
		for i := range updates {
			if updates[i].UpdateID < config.Offset {
				continue
			}
			config.Offset = updates[i].UpdateID + 1
			if err := p.Process(ctx, &updates[i]); err != nil {
				p.getLogEntry().WithField("update_id", updates[i].UpdateID).WithError(err).Error("cant process update")
			}
		}
	}
}

// Process runs u through the handlers unless it is older than UpdateTimeout.
func (p *Poller) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	updateTime := p.clock.Now()
	switch {
	case u.Message != nil:
		updateTime = time.Unix(int64(u.Message.Date), 0)
	case u.ChatMember != nil:
		updateTime = time.Unix(int64(u.ChatMember.Date), 0)
	case u.MyChatMember != nil:
		updateTime = time.Unix(int64(u.MyChatMember.Date), 0)
	}
	if age := p.clock.Since(updateTime); age > UpdateTimeout {
		p.getLogEntry().WithField("age", age).Debug("skipping outdated update")
		return nil
	}

	chat := u.FromChat()
	user := u.SentFrom()
	switch {
	case u.ChatMember != nil:
		chat, user = &u.ChatMember.Chat, &u.ChatMember.From
	case u.MyChatMember != nil:
		chat, user = &u.MyChatMember.Chat, &u.MyChatMember.From
	}

	for _, handler := range p.handlers {
		proceed, err := handler.Handle(ctx, u, chat, user)
		if err != nil {
			return errors.WithMessage(err, "handling error")
		}
		if !proceed {
			log.Trace("not proceeding")
			return nil
		}
	}
	return nil
}
