package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/iamwavecut/modbot/internal/db"
	merrors "github.com/iamwavecut/modbot/internal/errors"
)

const ticketColumns = `id, guild_display_id, guild_id, type, moderator_id, agent_id, reason, audit_reference, modlog_message_id, created_at`

func (c *sqliteClient) CreateTicket(ctx context.Context, row *db.TicketRow) (int64, error) {
	if len(row.MemberIDs) == 0 {
		return 0, merrors.ErrEmptyMembers
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin create ticket")
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (guild_id, type, moderator_id, agent_id, reason, audit_reference, modlog_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		row.GuildID,
		row.Type,
		row.ModeratorID,
		row.AgentID,
		row.Reason,
		row.AuditReference,
		row.ModlogMessageID,
		row.CreatedAt,
	)
	if err != nil {
		return 0, errors.Wrap(err, "insert ticket")
	}
	ticketID, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "ticket id")
	}

	// ticket_sequence outlives deleted tickets so display ids never shift
	if _, err := tx.ExecContext(ctx, `INSERT INTO ticket_sequence (ticket_id, guild_id) VALUES (?, ?)`, ticketID, row.GuildID); err != nil {
		return 0, errors.Wrap(err, "insert ticket sequence")
	}

	if row.Extension != nil {
		if err := insertExtension(ctx, tx, ticketID, row.Extension); err != nil {
			return 0, errors.Wrapf(err, "insert %s", row.Extension.ExtensionTable())
		}
	}
	if err := insertMemberRows(ctx, tx, "ticket_members", ticketID, row.MemberIDs); err != nil {
		return 0, errors.Wrap(err, "insert ticket members")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit create ticket")
	}
	row.ID = ticketID
	return ticketID, nil
}

func insertExtension(ctx context.Context, tx *sqlx.Tx, ticketID int64, ext db.Extension) error {
	var query string
	switch row := ext.(type) {
	case *db.TimedMuteRow:
		row.TicketID = ticketID
		query = `INSERT INTO timed_mute_tickets (ticket_id, role_id, duration_seconds, unmute_at)
			VALUES (:ticket_id, :role_id, :duration_seconds, :unmute_at)`
	case *db.MuteRow:
		row.TicketID = ticketID
		query = `INSERT INTO mute_tickets (ticket_id, role_id) VALUES (:ticket_id, :role_id)`
	case *db.UnmuteRow:
		row.TicketID = ticketID
		query = `INSERT INTO unmute_tickets (ticket_id, role_id, original_ticket_id, original_display_id)
			VALUES (:ticket_id, :role_id, :original_ticket_id, :original_display_id)`
	default:
		return fmt.Errorf("unsupported extension row %T", ext)
	}
	_, err := tx.NamedExecContext(ctx, query, ext)
	return err
}

func (c *sqliteClient) GetTickets(ctx context.Context, filter db.TicketFilter) ([]*db.TicketRow, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var (
		conds []string
		args  []any
	)
	if filter.GuildID != 0 {
		conds = append(conds, "guild_id = ?")
		args = append(args, filter.GuildID)
	}
	if filter.MemberID != 0 {
		conds = append(conds, "EXISTS (SELECT 1 FROM ticket_members tm WHERE tm.ticket_id = tickets_ranked.id AND tm.member_id = ?)")
		args = append(args, filter.MemberID)
	}
	if filter.TicketIDs != nil {
		if len(filter.TicketIDs) == 0 {
			return nil, nil
		}
		conds = append(conds, "id IN (?)")
		args = append(args, filter.TicketIDs)
	}
	if filter.Types != nil {
		if len(filter.Types) == 0 {
			return nil, nil
		}
		conds = append(conds, "type IN (?)")
		args = append(args, filter.Types)
	}

	query := "SELECT " + ticketColumns + " FROM tickets_ranked"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "expand ticket filter")
	}

	var rows []*db.TicketRow
	if err := c.db.SelectContext(ctx, &rows, c.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "select tickets")
	}
	if len(rows) == 0 {
		return rows, nil
	}

	byID := make(map[int64]*db.TicketRow, len(rows))
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
		ids = append(ids, row.ID)
	}
	if err := c.hydrateMembers(ctx, byID, ids); err != nil {
		return nil, err
	}
	if err := c.hydrateExtensions(ctx, byID, ids); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *sqliteClient) hydrateMembers(ctx context.Context, byID map[int64]*db.TicketRow, ids []int64) error {
	for _, chunk := range chunked(ids, inChunkSize) {
		query, args, err := sqlx.In(`SELECT ticket_id, member_id FROM ticket_members WHERE ticket_id IN (?) ORDER BY ticket_id, member_id`, chunk)
		if err != nil {
			return errors.Wrap(err, "expand member query")
		}
		var members []struct {
			TicketID int64 `db:"ticket_id"`
			MemberID int64 `db:"member_id"`
		}
		if err := c.db.SelectContext(ctx, &members, c.db.Rebind(query), args...); err != nil {
			return errors.Wrap(err, "select ticket members")
		}
		for _, m := range members {
			if row, ok := byID[m.TicketID]; ok {
				row.MemberIDs = append(row.MemberIDs, m.MemberID)
			}
		}
	}
	return nil
}

func (c *sqliteClient) hydrateExtensions(ctx context.Context, byID map[int64]*db.TicketRow, ids []int64) error {
	for _, chunk := range chunked(ids, inChunkSize) {
		var timed []*db.TimedMuteRow
		if err := c.selectIn(ctx, &timed, `SELECT ticket_id, role_id, duration_seconds, unmute_at FROM timed_mute_tickets WHERE ticket_id IN (?)`, chunk); err != nil {
			return errors.Wrap(err, "select timed mute extensions")
		}
		for _, ext := range timed {
			byID[ext.TicketID].Extension = ext
		}

		var mutes []*db.MuteRow
		if err := c.selectIn(ctx, &mutes, `SELECT ticket_id, role_id FROM mute_tickets WHERE ticket_id IN (?)`, chunk); err != nil {
			return errors.Wrap(err, "select mute extensions")
		}
		for _, ext := range mutes {
			byID[ext.TicketID].Extension = ext
		}

		var unmutes []*db.UnmuteRow
		if err := c.selectIn(ctx, &unmutes, `SELECT ticket_id, role_id, original_ticket_id, original_display_id FROM unmute_tickets WHERE ticket_id IN (?)`, chunk); err != nil {
			return errors.Wrap(err, "select unmute extensions")
		}
		for _, ext := range unmutes {
			byID[ext.TicketID].Extension = ext
		}
	}
	return nil
}

func (c *sqliteClient) selectIn(ctx context.Context, dest any, query string, ids []int64) error {
	query, args, err := sqlx.In(query, ids)
	if err != nil {
		return err
	}
	return c.db.SelectContext(ctx, dest, c.db.Rebind(query), args...)
}

func (c *sqliteClient) UpdateTicket(ctx context.Context, ticketID int64, update db.TicketUpdate) error {
	if update.MemberIDs != nil && len(update.MemberIDs) == 0 {
		return merrors.ErrEmptyMembers
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin update ticket")
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = ?)`, ticketID); err != nil {
		return errors.Wrap(err, "check ticket")
	}
	if !exists {
		return fmt.Errorf("%w: %d", merrors.ErrTicketNotFound, ticketID)
	}

	var (
		sets []string
		args []any
	)
	if update.ModlogMessageID != nil {
		sets = append(sets, "modlog_message_id = ?")
		args = append(args, sql.NullInt64{Int64: *update.ModlogMessageID, Valid: *update.ModlogMessageID != 0})
	}
	if update.Reason != nil {
		sets = append(sets, "reason = ?")
		args = append(args, sql.NullString{String: *update.Reason, Valid: *update.Reason != ""})
	}
	if len(sets) > 0 {
		args = append(args, ticketID)
		if _, err := tx.ExecContext(ctx, "UPDATE tickets SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return errors.Wrap(err, "update ticket")
		}
	}

	if update.MemberIDs != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM ticket_members WHERE ticket_id = ?`, ticketID); err != nil {
			return errors.Wrap(err, "clear ticket members")
		}
		if err := insertMemberRows(ctx, tx, "ticket_members", ticketID, update.MemberIDs); err != nil {
			return errors.Wrap(err, "insert ticket members")
		}
	}

	return errors.Wrap(tx.Commit(), "commit update ticket")
}

func (c *sqliteClient) DeleteTicket(ctx context.Context, ticketID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM tickets WHERE id = ?`, ticketID)
	return errors.Wrap(err, "delete ticket")
}
