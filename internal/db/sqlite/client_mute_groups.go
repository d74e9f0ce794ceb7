package sqlite

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

func (c *sqliteClient) AddMuteGroupMembers(ctx context.Context, ticketID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin add mute group members")
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMemberRows(ctx, tx, "mute_group_members", ticketID, memberIDs); err != nil {
		return errors.Wrap(err, "insert mute group members")
	}
	return errors.Wrap(tx.Commit(), "commit add mute group members")
}

func (c *sqliteClient) RemoveMuteGroupMembers(ctx context.Context, ticketID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, chunk := range chunked(memberIDs, inChunkSize) {
		query, args, err := sqlx.In(`DELETE FROM mute_group_members WHERE ticket_id = ? AND member_id IN (?)`, ticketID, chunk)
		if err != nil {
			return errors.Wrap(err, "expand mute group delete")
		}
		if _, err := c.db.ExecContext(ctx, c.db.Rebind(query), args...); err != nil {
			return errors.Wrap(err, "delete mute group members")
		}
	}
	return nil
}

// GetMuteGroupMembers returns the persisted pending members keyed by ticket id.
func (c *sqliteClient) GetMuteGroupMembers(ctx context.Context) (map[int64][]int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var rows []struct {
		TicketID int64 `db:"ticket_id"`
		MemberID int64 `db:"member_id"`
	}
	if err := c.db.SelectContext(ctx, &rows, `SELECT ticket_id, member_id FROM mute_group_members ORDER BY ticket_id, member_id`); err != nil {
		return nil, errors.Wrap(err, "select mute group members")
	}

	groups := make(map[int64][]int64)
	for _, row := range rows {
		groups[row.TicketID] = append(groups[row.TicketID], row.MemberID)
	}
	return groups, nil
}
