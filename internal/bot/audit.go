package bot

import (
	"context"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/modbot/internal/action"
	"github.com/iamwavecut/modbot/internal/moderation"
)

const (
	statusKicked     = "kicked"
	statusRestricted = "restricted"
)

type recorder interface {
	Record(ctx context.Context, req moderation.Request) (*moderation.Report, error)
	Release(ctx context.Context, req moderation.UnmuteRequest) (*moderation.Report, error)
}

// MemberAudit books bans, mutes and their reversals that chat admins make
// by hand, so the case history stays complete. Changes made by the bot
// itself are ignored.
type MemberAudit struct {
	selfID   int64
	workflow recorder
	clock    clockwork.Clock
}

func NewMemberAudit(selfID int64, workflow recorder, clock clockwork.Clock) *MemberAudit {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemberAudit{selfID: selfID, workflow: workflow, clock: clock}
}

func (a *MemberAudit) getLogEntry() *log.Entry {
	return log.WithField("object", "MemberAudit")
}

func (a *MemberAudit) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	change := u.ChatMember
	if change == nil || user == nil || user.IsBot || user.ID == a.selfID || change.NewChatMember.User == nil {
		return true, nil
	}

	guildID := change.Chat.ID
	memberID := change.NewChatMember.User.ID
	entry := a.getLogEntry().WithFields(log.Fields{
		"guild_id":  guildID,
		"member_id": memberID,
		"moderator": user.ID,
	})

	var (
		report *moderation.Report
		err    error
	)
	old, cur := change.OldChatMember, change.NewChatMember
	switch {
	case cur.Status == statusKicked && old.Status != statusKicked:
		report, err = a.workflow.Record(ctx, a.request(guildID, user.ID, memberID, action.KindBan))
	case old.Status == statusKicked && cur.Status != statusKicked:
		report, err = a.workflow.Record(ctx, a.request(guildID, user.ID, memberID, action.KindUnban))
	case silenced(cur) && !silenced(old):
		req := a.request(guildID, user.ID, memberID, action.KindMute)
		if cur.UntilDate > 0 {
			req.Duration = time.Unix(cur.UntilDate, 0).Sub(a.clock.Now()).Round(time.Second)
			if req.Duration < time.Second {
				return true, nil
			}
		}
		report, err = a.workflow.Record(ctx, req)
	case silenced(old) && !silenced(cur) && cur.Status != statusKicked:
		report, err = a.workflow.Release(ctx, moderation.UnmuteRequest{
			GuildID:     guildID,
			ModeratorID: user.ID,
			MemberIDs:   []int64{memberID},
		})
	default:
		return true, nil
	}
	if err != nil {
		entry.WithError(err).Warn("cant record manual action")
		return true, nil
	}
	if report != nil && report.Ticket != nil {
		entry.WithField("ticket_id", report.Ticket.ID).Debug("manual action recorded")
	}
	return true, nil
}

func (a *MemberAudit) request(guildID, moderatorID, memberID int64, kind action.Kind) moderation.Request {
	return moderation.Request{
		GuildID:     guildID,
		ModeratorID: moderatorID,
		Kind:        kind,
		MemberIDs:   []int64{memberID},
	}
}

func silenced(m api.ChatMember) bool {
	return m.Status == statusRestricted && !m.CanSendMessages
}
