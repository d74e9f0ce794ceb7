package telegram

import (
	"context"
	"fmt"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/modbot/internal/action"
	"github.com/iamwavecut/modbot/internal/policy/permissions"
)

// Resolver checks that persisted mute groups still point at something the
// bot can act on.
type Resolver struct {
	bot *api.BotAPI
}

func NewResolver(bot *api.BotAPI) *Resolver {
	return &Resolver{bot: bot}
}

func (r *Resolver) GuildExists(ctx context.Context, guildID int64) (bool, error) {
	_, err := r.bot.GetChat(api.ChatInfoConfig{
		ChatConfig: api.ChatConfig{ChatID: guildID},
	})
	if err == nil {
		return true, nil
	}
	if outcomeOf(err) == action.GuildNotFound {
		return false, nil
	}
	return false, fmt.Errorf("get chat %d: %w", guildID, err)
}

// RoleExists reports whether the bot can still lift restrictions in the
// chat, the closest Telegram has to the mute role still being assignable.
func (r *Resolver) RoleExists(ctx context.Context, guildID, roleID int64) (bool, error) {
	member, err := r.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: guildID},
			UserID:     r.bot.Self.ID,
		},
	})
	if err != nil {
		if outcomeOf(err) == action.GuildNotFound {
			return false, nil
		}
		return false, fmt.Errorf("get bot membership in %d: %w", guildID, err)
	}
	return permissions.CanRestrict(&member), nil
}
