package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/iamwavecut/modbot/internal/db"
)

func (c *sqliteClient) UpsertModlogChannel(ctx context.Context, channel *db.ModlogChannel) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO modlog_channels (guild_id, channel_id, updated_at)
		VALUES (:guild_id, :channel_id, :updated_at)
		ON CONFLICT(guild_id) DO UPDATE SET
		channel_id = excluded.channel_id,
		updated_at = excluded.updated_at
	`
	_, err := c.db.NamedExecContext(ctx, query, channel)
	return errors.Wrap(err, "upsert modlog channel")
}

func (c *sqliteClient) GetModlogChannel(ctx context.Context, guildID int64) (*db.ModlogChannel, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	channel := &db.ModlogChannel{}
	err := c.db.GetContext(ctx, channel, `SELECT guild_id, channel_id, updated_at FROM modlog_channels WHERE guild_id = ?`, guildID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get modlog channel")
	}
	return channel, nil
}

func (c *sqliteClient) DeleteModlogChannel(ctx context.Context, guildID int64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `DELETE FROM modlog_channels WHERE guild_id = ?`, guildID)
	return errors.Wrap(err, "delete modlog channel")
}
