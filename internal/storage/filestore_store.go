package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/apphub-io/timestore/internal/apperr"
)

// FilestoreNodeStore persists the node-state table maintained by the
// filestore activity consumer. One row per node, last write wins, except
// that journal ids never move backwards.
type FilestoreNodeStore struct {
	conn *Connection
}

// NewFilestoreNodeStore creates a PostgreSQL-backed node store.
func NewFilestoreNodeStore(conn *Connection) (*FilestoreNodeStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FilestoreNodeStore{conn: conn}, nil
}

const filestoreNodeColumns = `
	node_id, backend_mount_id, path, state, consistency_state, size_bytes,
	last_journal_id, last_observed_at, metadata, updated_at
`

// UpsertNode applies one observed event to the node row. A stale event
// (journal id at or below the stored one) leaves the row untouched and
// returns the stored state.
func (s *FilestoreNodeStore) UpsertNode(ctx context.Context, node *FilestoreNode) (*FilestoreNode, error) {
	if node == nil || node.NodeID == "" {
		return nil, apperr.New(apperr.KindValidation, "filestore node id is required")
	}

	metadata := node.Metadata
	if metadata == nil {
		metadata = JSONMap{}
	}

	query := `
		INSERT INTO filestore_nodes (
			node_id, backend_mount_id, path, state, consistency_state,
			size_bytes, last_journal_id, last_observed_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node_id) DO UPDATE SET
			backend_mount_id = EXCLUDED.backend_mount_id,
			path = EXCLUDED.path,
			state = EXCLUDED.state,
			consistency_state = EXCLUDED.consistency_state,
			size_bytes = EXCLUDED.size_bytes,
			last_journal_id = EXCLUDED.last_journal_id,
			last_observed_at = EXCLUDED.last_observed_at,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		WHERE filestore_nodes.last_journal_id < EXCLUDED.last_journal_id
		RETURNING ` + filestoreNodeColumns

	stored, err := scanFilestoreNode(s.conn.QueryRowContext(ctx, query,
		node.NodeID, node.BackendMountID, node.Path, node.State,
		node.ConsistencyState, node.SizeBytes, node.LastJournalID,
		node.LastObservedAt, metadata))
	if errors.Is(err, sql.ErrNoRows) {
		// Stale journal id: the conditional update matched nothing.
		return s.GetNode(ctx, node.NodeID)
	}

	if err != nil {
		return nil, translateWriteError(err, "filestore node")
	}

	return stored, nil
}

// GetNode loads a node by id.
func (s *FilestoreNodeStore) GetNode(ctx context.Context, nodeID string) (*FilestoreNode, error) {
	query := `SELECT ` + filestoreNodeColumns + ` FROM filestore_nodes WHERE node_id = $1`

	node, err := scanFilestoreNode(s.conn.QueryRowContext(ctx, query, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "filestore node %s not found", nodeID)
	}

	if err != nil {
		return nil, fmt.Errorf("load filestore node: %w", err)
	}

	return node, nil
}

// ListNodes returns nodes ordered by most recently observed.
func (s *FilestoreNodeStore) ListNodes(ctx context.Context, limit int) ([]*FilestoreNode, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + filestoreNodeColumns + `
		FROM filestore_nodes ORDER BY last_observed_at DESC LIMIT $1`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list filestore nodes: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	nodes := make([]*FilestoreNode, 0, limit)

	for rows.Next() {
		node, err := scanFilestoreNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan filestore node: %w", err)
		}

		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate filestore nodes: %w", err)
	}

	return nodes, nil
}

// DeleteNode removes a node row, used when a hardDelete event arrives.
func (s *FilestoreNodeStore) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM filestore_nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete filestore node: %w", err)
	}

	return nil
}

func scanFilestoreNode(row scanner) (*FilestoreNode, error) {
	var node FilestoreNode

	err := row.Scan(&node.NodeID, &node.BackendMountID, &node.Path, &node.State,
		&node.ConsistencyState, &node.SizeBytes, &node.LastJournalID,
		&node.LastObservedAt, &node.Metadata, &node.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &node, nil
}
