package indexingstore

import (
	"context"
	"fmt"

	"github.com/ponder-go/ponder/internal/schema"
)

// Create inserts a brand-new row. Fails UniqueViolation if a live
// (non-deleted) row already exists at (table,id).
func (s *Store) Create(ctx context.Context, table, id string, data map[string]schema.Value, checkpoint string) error {
	if err := s.schema.ValidateRow(table, data); err != nil {
		return newErr(KindSchemaViolation, table, id, err)
	}
	existing, ok, err := s.currentRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return err
	}
	if ok && !existing.Deleted {
		return newErr(KindUniqueViolation, table, id, fmt.Errorf("row already exists"))
	}
	rev, err := s.nextRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return err
	}
	return s.insertRevision(ctx, s.conn.DB, table, id, rev, checkpoint, false, data)
}

// CreateMany inserts every row in one atomic transaction: if any row
// conflicts with an existing live row, the whole batch is rolled back.
func (s *Store) CreateMany(ctx context.Context, table string, rows []Row) error {
	for _, r := range rows {
		if err := s.schema.ValidateRow(table, r.Data); err != nil {
			return newErr(KindSchemaViolation, table, r.ID, err)
		}
	}
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("indexingstore: begin createMany: %w", err)
	}
	defer tx.Rollback()

	for _, r := range rows {
		existing, ok, err := s.currentRevision(ctx, tx, table, r.ID)
		if err != nil {
			return err
		}
		if ok && !existing.Deleted {
			return newErr(KindUniqueViolation, table, r.ID, fmt.Errorf("row already exists"))
		}
		rev, err := s.nextRevision(ctx, tx, table, r.ID)
		if err != nil {
			return err
		}
		if err := s.insertRevision(ctx, tx, table, r.ID, rev, r.Checkpoint, false, r.Data); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("indexingstore: commit createMany: %w", err)
	}
	return nil
}

// Update patches an existing row. Fails NotFound if no live row exists.
func (s *Store) Update(ctx context.Context, table, id string, patch map[string]schema.Value, checkpoint string) error {
	existing, ok, err := s.currentRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return err
	}
	if !ok || existing.Deleted {
		return newErr(KindNotFound, table, id, fmt.Errorf("row not found"))
	}
	merged := merge(existing.Data, patch)
	if err := s.schema.ValidateRow(table, merged); err != nil {
		return newErr(KindSchemaViolation, table, id, err)
	}
	rev, err := s.nextRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return err
	}
	return s.insertRevision(ctx, s.conn.DB, table, id, rev, checkpoint, false, merged)
}

// Upsert inserts createData if no live row exists, otherwise patches the
// existing row with updateData.
func (s *Store) Upsert(ctx context.Context, table, id string, createData, updateData map[string]schema.Value, checkpoint string) error {
	existing, ok, err := s.currentRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return err
	}
	var final map[string]schema.Value
	if ok && !existing.Deleted {
		final = merge(existing.Data, updateData)
	} else {
		final = createData
	}
	if err := s.schema.ValidateRow(table, final); err != nil {
		return newErr(KindSchemaViolation, table, id, err)
	}
	rev, err := s.nextRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return err
	}
	return s.insertRevision(ctx, s.conn.DB, table, id, rev, checkpoint, false, final)
}

// Delete tombstones a row at the given checkpoint. Returns false (no
// error) if no live row existed to delete.
func (s *Store) Delete(ctx context.Context, table, id, checkpoint string) (bool, error) {
	existing, ok, err := s.currentRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return false, err
	}
	if !ok || existing.Deleted {
		return false, nil
	}
	rev, err := s.nextRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return false, err
	}
	if err := s.insertRevision(ctx, s.conn.DB, table, id, rev, checkpoint, true, existing.Data); err != nil {
		return false, err
	}
	return true, nil
}

// FindUnique returns the current row, or ok=false if none exists or it is
// deleted.
func (s *Store) FindUnique(ctx context.Context, table, id string) (Row, bool, error) {
	row, ok, err := s.currentRevision(ctx, s.conn.DB, table, id)
	if err != nil {
		return Row{}, false, err
	}
	if !ok || row.Deleted {
		return Row{}, false, nil
	}
	return row, true, nil
}
