package indexingstore

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
)

// Revert deletes every revision of table written at a checkpoint strictly
// above toCheckpoint, undoing handler effects a reorg invalidated. The
// row's "current" version automatically becomes whatever revision
// remains with the highest number — no separate bookkeeping needed since
// currentRevision always reads MAX(revision).
func (s *Store) Revert(ctx context.Context, table, toCheckpoint string) error {
	phys, err := s.physical(table)
	if err != nil {
		return err
	}
	query, args, err := s.builder.
		Delete(phys).
		Where(squirrel.Gt{"checkpoint": toCheckpoint}).
		ToSql()
	if err != nil {
		return fmt.Errorf("indexingstore: build revert: %w", err)
	}
	if _, err := s.conn.DB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("indexingstore: revert %s to %s: %w", table, toCheckpoint, err)
	}
	return nil
}

// RevertAll reverts every provisioned table to toCheckpoint, used when
// the realtime syncer reports a reorg.
func (s *Store) RevertAll(ctx context.Context, toCheckpoint string) error {
	for table := range s.tables {
		if err := s.Revert(ctx, table, toCheckpoint); err != nil {
			return err
		}
	}
	return nil
}
