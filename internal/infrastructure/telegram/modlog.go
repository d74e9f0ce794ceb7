package telegram

import (
	"context"
	"fmt"
	"html"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modbot/internal/action"
	"github.com/iamwavecut/modbot/internal/db"
	merrors "github.com/iamwavecut/modbot/internal/errors"
	"github.com/iamwavecut/modbot/internal/tickets"
)

const summaryTemplate = `<b>{{ .title }}</b>
{{ range .fields }}
<b>{{ .Name }}:</b> {{ .Value }}
{{- end }}

<i>{{ .created }}</i>`

type modlogStore interface {
	GetModlogChannel(ctx context.Context, guildID int64) (*db.ModlogChannel, error)
	UpsertModlogChannel(ctx context.Context, channel *db.ModlogChannel) error
	DeleteModlogChannel(ctx context.Context, guildID int64) error
}

// Modlog posts ticket summaries into the modlog channel configured for a
// guild and keeps them up to date.
type Modlog struct {
	bot   *api.BotAPI
	store modlogStore
	clock clockwork.Clock
}

type ModlogOption func(*Modlog)

func WithClock(clock clockwork.Clock) ModlogOption {
	return func(m *Modlog) { m.clock = clock }
}

func NewModlog(bot *api.BotAPI, store modlogStore, opts ...ModlogOption) *Modlog {
	m := &Modlog{bot: bot, store: store, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Modlog) getLogEntry() *log.Entry {
	return log.WithField("object", "Modlog")
}

// SetChannel routes the modlog of guildID into channelID.
func (m *Modlog) SetChannel(ctx context.Context, guildID, channelID int64) error {
	return m.store.UpsertModlogChannel(ctx, &db.ModlogChannel{
		GuildID:   guildID,
		ChannelID: channelID,
		UpdatedAt: m.clock.Now().UnixMilli(),
	})
}

func (m *Modlog) PostOrUpdate(ctx context.Context, guildID int64, messageID int64, summary tickets.Summary) (int64, error) {
	channel, err := m.store.GetModlogChannel(ctx, guildID)
	if err != nil {
		return 0, fmt.Errorf("get modlog channel: %w", err)
	}
	if channel == nil {
		return 0, merrors.ErrModlogNotConfigured
	}
	entry := m.getLogEntry().WithFields(log.Fields{
		"guild_id":   guildID,
		"channel_id": channel.ChannelID,
	})
	text := RenderSummary(summary)

	if messageID != 0 {
		edit := api.NewEditMessageText(channel.ChannelID, int(messageID), text)
		edit.ParseMode = api.ModeHTML
		_, err := m.bot.Send(edit)
		switch {
		case err == nil, isNotModified(err):
			return messageID, nil
		case !isMessageGone(err):
			return 0, fmt.Errorf("edit modlog message %d: %w", messageID, err)
		}
		entry.WithField("message_id", messageID).Debug("modlog message gone, posting a new one")
	}

	msg := api.NewMessage(channel.ChannelID, text)
	msg.ParseMode = api.ModeHTML
	msg.DisableNotification = true
	sent, err := m.bot.Send(msg)
	if err != nil {
		if outcomeOf(err) == action.GuildNotFound {
			entry.WithError(err).Warn("modlog channel is gone, unsetting it")
			if delErr := m.store.DeleteModlogChannel(ctx, guildID); delErr != nil {
				entry.WithError(delErr).Error("failed to unset modlog channel")
			}
			return 0, merrors.ErrModlogNotConfigured
		}
		return 0, fmt.Errorf("send modlog message: %w", err)
	}
	return int64(sent.MessageID), nil
}

// RenderSummary formats a ticket summary as Bot API HTML.
func RenderSummary(summary tickets.Summary) string {
	fields := make([]tickets.Field, 0, len(summary.Fields))
	for _, f := range summary.Fields {
		fields = append(fields, tickets.Field{
			Name:  html.EscapeString(f.Name),
			Value: html.EscapeString(f.Value),
		})
	}
	return tool.ExecTemplate(summaryTemplate, map[string]any{
		"title":   html.EscapeString(summary.Title),
		"fields":  fields,
		"created": summary.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"),
	})
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}

func isMessageGone(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "message to edit not found") || strings.Contains(text, "message_id_invalid")
}
