package preagg

import (
	"context"
	"strings"

	"github.com/rzbill/strata/internal/client"
	"github.com/rzbill/strata/internal/command"
)

// MetaStore tracks which physical tables exist per logical
// pre-aggregation.
type MetaStore interface {
	Register(ctx context.Context, logical, physical string) error
	Unregister(ctx context.Context, logical, physical string) error
	List(ctx context.Context, logical string) ([]string, error)
}

// CoordMetaStore keeps table registrations in the coordination store's
// cache rows, so every worker process sees the same listing.
type CoordMetaStore struct {
	pool *client.Pool[*client.Conn]
}

func NewCoordMetaStore(pool *client.Pool[*client.Conn]) *CoordMetaStore {
	return &CoordMetaStore{pool: pool}
}

func tableRowKey(logical, physical string) string {
	return "tables/" + logical + "/" + physical
}

func (m *CoordMetaStore) Register(ctx context.Context, logical, physical string) error {
	cmd := "CACHE SET TTL 0 " + command.QuoteLiteral(tableRowKey(logical, physical)) + " '1'"
	return m.pool.WithConn(ctx, func(c *client.Conn) error {
		_, err := c.Query(ctx, cmd, nil, "")
		return err
	})
}

func (m *CoordMetaStore) Unregister(ctx context.Context, logical, physical string) error {
	cmd := "CACHE REMOVE " + command.QuoteLiteral(tableRowKey(logical, physical))
	return m.pool.WithConn(ctx, func(c *client.Conn) error {
		_, err := c.Query(ctx, cmd, nil, "")
		return err
	})
}

func (m *CoordMetaStore) List(ctx context.Context, logical string) ([]string, error) {
	prefix := "tables/" + logical + "/"
	cmd := "CACHE KEYS " + command.QuoteLiteral(prefix)
	var tables []string
	err := m.pool.WithConn(ctx, func(c *client.Conn) error {
		rows, err := c.Query(ctx, cmd, nil, "")
		if err != nil {
			return err
		}
		for _, row := range rows {
			if key, ok := row["key"]; ok {
				tables = append(tables, strings.TrimPrefix(key, prefix))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}
