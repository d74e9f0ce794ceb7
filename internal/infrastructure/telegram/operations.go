package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modbot/internal/action"
)

var errIrreversible = errors.New("action cannot be reversed")

// Executor applies moderation actions through the Bot API. Telegram has no
// roles, so a mute revokes every send permission and its reversal restores
// them; the target role id is ignored.
type Executor struct {
	bot *api.BotAPI
}

func NewExecutor(bot *api.BotAPI) *Executor {
	return &Executor{bot: bot}
}

func (e *Executor) getLogEntry() *log.Entry {
	return log.WithField("object", "TelegramExecutor")
}

func (e *Executor) Apply(ctx context.Context, kind action.Kind, target action.Target, reason string) (action.Outcome, error) {
	var err error
	switch kind {
	case action.KindMute:
		err = e.restrict(target, &api.ChatPermissions{}, true)
	case action.KindBan:
		err = e.ban(target, true)
	case action.KindPreban:
		err = e.ban(target, false)
	case action.KindUnban:
		err = e.unban(target)
	case action.KindKick:
		if err = e.ban(target, false); err == nil {
			err = e.unban(target)
		}
	default:
		return action.InternalUnknown, fmt.Errorf("unsupported action %q", kind)
	}
	return e.result(kind, "apply", target, err)
}

func (e *Executor) Reverse(ctx context.Context, kind action.Kind, target action.Target, reason string) (action.Outcome, error) {
	var err error
	switch kind {
	case action.KindMute:
		err = e.restrict(target, &api.ChatPermissions{
			CanSendMessages:       true,
			CanSendPolls:          true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
			CanInviteUsers:        true,
		}, false)
	case action.KindBan, action.KindPreban:
		err = e.unban(target)
	case action.KindUnban:
		err = e.ban(target, false)
	default:
		return action.InternalUnknown, fmt.Errorf("%w: %s", errIrreversible, kind)
	}
	return e.result(kind, "reverse", target, err)
}

func (e *Executor) result(kind action.Kind, op string, target action.Target, err error) (action.Outcome, error) {
	outcome := outcomeOf(err)
	entry := e.getLogEntry().WithFields(log.Fields{
		"kind":      kind,
		"op":        op,
		"chat_id":   target.GuildID,
		"member_id": target.MemberID,
		"outcome":   outcome,
	})
	if err != nil {
		entry.WithError(err).Debug("bot api call failed")
		return outcome, fmt.Errorf("%s %s: %w", op, kind, err)
	}
	entry.Trace("bot api call succeeded")
	return outcome, nil
}

func (e *Executor) restrict(target action.Target, permissions *api.ChatPermissions, independent bool) error {
	_, err := e.bot.Request(api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: target.GuildID},
			UserID:     target.MemberID,
		},
		Permissions: permissions,

		UseIndependentChatPermissions: independent,
	})
	return err
}

func (e *Executor) ban(target action.Target, revokeMessages bool) error {
	_, err := e.bot.Request(api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: target.GuildID},
			UserID:     target.MemberID,
		},
		RevokeMessages: revokeMessages,
	})
	return err
}

func (e *Executor) unban(target action.Target) error {
	_, err := e.bot.Request(api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: target.GuildID},
			UserID:     target.MemberID,
		},
		OnlyIfBanned: true,
	})
	return err
}

// outcomeOf maps Bot API error descriptions onto coarse outcomes.
func outcomeOf(err error) action.Outcome {
	if err == nil {
		return action.Success
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "chat not found"),
		strings.Contains(text, "bot was kicked"),
		strings.Contains(text, "group chat was upgraded"):
		return action.GuildNotFound
	case strings.Contains(text, "user not found"),
		strings.Contains(text, "participant_id_invalid"),
		strings.Contains(text, "user_id_invalid"):
		return action.MemberNotFound
	case strings.Contains(text, "not enough rights"),
		strings.Contains(text, "forbidden"),
		strings.Contains(text, "user is an administrator"),
		strings.Contains(text, "can't remove chat owner"),
		strings.Contains(text, "can't restrict self"):
		return action.Forbidden
	}
	return action.InternalUnknown
}
