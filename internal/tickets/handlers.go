package tickets

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iamwavecut/modbot/internal/db"
	merrors "github.com/iamwavecut/modbot/internal/errors"
	"github.com/iamwavecut/modbot/internal/i18n"
)

const expiresLayout = "2006-01-02 15:04 MST"

func baseSummary(t *Ticket, lang string) Summary {
	s := Summary{
		Title:       fmt.Sprintf("%s #%d | %s", i18n.Get("Case", lang), t.GuildDisplayID, i18n.Get(typeTitles[t.Type], lang)),
		Type:        t.Type,
		DisplayID:   t.GuildDisplayID,
		GuildID:     t.GuildID,
		ModeratorID: t.ModeratorID,
		AgentID:     t.AgentID,
		MemberIDs:   t.MemberIDs,
		Reason:      t.Reason,
		CreatedAt:   t.CreatedAt,
	}

	s.Fields = append(s.Fields, Field{Name: i18n.Get("Moderator", lang), Value: strconv.FormatInt(t.ModeratorID, 10)})
	if t.AgentID != 0 && t.AgentID != t.ModeratorID {
		s.Fields = append(s.Fields, Field{Name: i18n.Get("Executed by", lang), Value: strconv.FormatInt(t.AgentID, 10)})
	}
	s.Fields = append(s.Fields, Field{Name: i18n.Get("Members", lang), Value: joinIDs(t.MemberIDs)})

	reason := t.Reason
	if reason == "" {
		reason = i18n.Get("No reason given", lang)
	}
	s.Fields = append(s.Fields, Field{Name: i18n.Get("Reason", lang), Value: reason})
	if t.AuditReference != "" {
		s.Fields = append(s.Fields, Field{Name: i18n.Get("Audit reference", lang), Value: t.AuditReference})
	}
	return s
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ", ")
}

func roleField(roleID int64, lang string) Field {
	return Field{Name: i18n.Get("Role", lang), Value: strconv.FormatInt(roleID, 10)}
}

// plainHandler serves the types without a side table.
type plainHandler struct {
	typ Type
}

func newPlainHandler(t Type) *plainHandler {
	return &plainHandler{typ: t}
}

func (h *plainHandler) Type() Type { return h.typ }

func (h *plainHandler) Render(t *Ticket, lang string) Summary {
	return baseSummary(t, lang)
}

func (h *plainHandler) EncodeExtension(t *Ticket) (db.Extension, error) {
	if t.Extension != nil {
		return nil, fmt.Errorf("%w: %s tickets carry no extension, got %T", merrors.ErrInvalidType, h.typ, t.Extension)
	}
	return nil, nil
}

func (h *plainHandler) DecodeExtension(row *db.TicketRow) (Extension, error) {
	return nil, nil
}

type timedMuteHandler struct{}

func (h *timedMuteHandler) Type() Type { return TypeTimedMute }

func (h *timedMuteHandler) Render(t *Ticket, lang string) Summary {
	s := baseSummary(t, lang)
	if ext, ok := t.TimedMute(); ok {
		s.Fields = append(s.Fields,
			Field{Name: i18n.Get("Duration", lang), Value: ext.Duration.String()},
			Field{Name: i18n.Get("Expires", lang), Value: ext.UnmuteAt.UTC().Format(expiresLayout)},
			roleField(ext.RoleID, lang),
		)
	}
	return s
}

func (h *timedMuteHandler) EncodeExtension(t *Ticket) (db.Extension, error) {
	ext, ok := t.TimedMute()
	if !ok {
		return nil, fmt.Errorf("%w: timed mute requires a duration and role", merrors.ErrInvalidType)
	}
	if ext.Duration < time.Second {
		return nil, fmt.Errorf("%w: %s", merrors.ErrInvalidDuration, ext.Duration)
	}
	if ext.UnmuteAt.IsZero() {
		ext.UnmuteAt = t.CreatedAt.Add(ext.Duration)
	}
	return &db.TimedMuteRow{
		RoleID:          ext.RoleID,
		DurationSeconds: int64(ext.Duration / time.Second),
		UnmuteAt:        ext.UnmuteAt.UnixMilli(),
	}, nil
}

func (h *timedMuteHandler) DecodeExtension(row *db.TicketRow) (Extension, error) {
	ext, ok := row.Extension.(*db.TimedMuteRow)
	if !ok {
		return nil, fmt.Errorf("timed mute ticket %d has no extension row", row.ID)
	}
	return &TimedMute{
		RoleID:   ext.RoleID,
		Duration: time.Duration(ext.DurationSeconds) * time.Second,
		UnmuteAt: time.UnixMilli(ext.UnmuteAt),
	}, nil
}

type muteHandler struct{}

func (h *muteHandler) Type() Type { return TypeMute }

func (h *muteHandler) Render(t *Ticket, lang string) Summary {
	s := baseSummary(t, lang)
	if ext, ok := t.Mute(); ok {
		s.Fields = append(s.Fields, roleField(ext.RoleID, lang))
	}
	return s
}

func (h *muteHandler) EncodeExtension(t *Ticket) (db.Extension, error) {
	ext, ok := t.Mute()
	if !ok {
		return nil, fmt.Errorf("%w: mute requires a role", merrors.ErrInvalidType)
	}
	return &db.MuteRow{RoleID: ext.RoleID}, nil
}

func (h *muteHandler) DecodeExtension(row *db.TicketRow) (Extension, error) {
	ext, ok := row.Extension.(*db.MuteRow)
	if !ok {
		return nil, fmt.Errorf("mute ticket %d has no extension row", row.ID)
	}
	return &Mute{RoleID: ext.RoleID}, nil
}

type unmuteHandler struct{}

func (h *unmuteHandler) Type() Type { return TypeUnmute }

func (h *unmuteHandler) Render(t *Ticket, lang string) Summary {
	s := baseSummary(t, lang)
	ext, ok := t.Unmute()
	if !ok {
		return s
	}
	if ext.RoleID != 0 {
		s.Fields = append(s.Fields, roleField(ext.RoleID, lang))
	}
	if ext.OriginalDisplayID != 0 {
		s.Fields = append(s.Fields, Field{
			Name:  i18n.Get("Reverses case", lang),
			Value: "#" + strconv.FormatInt(ext.OriginalDisplayID, 10),
		})
	}
	return s
}

func (h *unmuteHandler) EncodeExtension(t *Ticket) (db.Extension, error) {
	if t.Extension == nil {
		return &db.UnmuteRow{}, nil
	}
	ext, ok := t.Unmute()
	if !ok {
		return nil, fmt.Errorf("%w: unexpected unmute extension %T", merrors.ErrInvalidType, t.Extension)
	}
	return &db.UnmuteRow{
		RoleID:            ext.RoleID,
		OriginalTicketID:  sql.NullInt64{Int64: ext.OriginalTicketID, Valid: ext.OriginalTicketID != 0},
		OriginalDisplayID: sql.NullInt64{Int64: ext.OriginalDisplayID, Valid: ext.OriginalDisplayID != 0},
	}, nil
}

func (h *unmuteHandler) DecodeExtension(row *db.TicketRow) (Extension, error) {
	ext, ok := row.Extension.(*db.UnmuteRow)
	if !ok {
		return &Unmute{}, nil
	}
	return &Unmute{
		RoleID:            ext.RoleID,
		OriginalTicketID:  ext.OriginalTicketID.Int64,
		OriginalDisplayID: ext.OriginalDisplayID.Int64,
	}, nil
}
