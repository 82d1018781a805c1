package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/answerlens/engine/core"
)

type exportRow struct {
	ID            string         `db:"id"`
	RunID         string         `db:"run_id"`
	Format        string         `db:"format"`
	MapperName    string         `db:"mapper_name"`
	MapperVersion string         `db:"mapper_version"`
	Config        core.JSONValue `db:"config"`
	Status        string         `db:"status"`
	FileRef       string         `db:"file_ref"`
}

func (row exportRow) toExport() core.Export {
	return core.Export{
		ID: row.ID, RunID: row.RunID, Format: row.Format,
		MapperName: row.MapperName, MapperVersion: row.MapperVersion,
		Config: row.Config, Status: core.ExportStatus(row.Status), FileRef: row.FileRef,
	}
}

// CreateExport admits an Export (§6 "Create Export / Download Run Results").
func (s *Store) CreateExport(ctx context.Context, e core.Export) (core.Export, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = core.ExportPending
	}
	err := s.withRetry(ctx, "CreateExport", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO exports (id, run_id, format, mapper_name, mapper_version, config, status, file_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.RunID, e.Format, e.MapperName, e.MapperVersion, e.Config, e.Status, e.FileRef)
		return err
	})
	return e, err
}

// GetExport loads an Export by id (delivery.ExportStore, §6 "Get Export").
func (s *Store) GetExport(ctx context.Context, id string) (core.Export, error) {
	var row exportRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, run_id, format, mapper_name, mapper_version, config, status, file_ref
		FROM exports WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Export{}, fmt.Errorf("store: export %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Export{}, fmt.Errorf("store: GetExport: %w", err)
	}
	return row.toExport(), nil
}

// UpdateExportStatus transitions an Export's status, optionally attaching a
// file_ref once a file-format encoder collaborator has produced one.
func (s *Store) UpdateExportStatus(ctx context.Context, id string, status core.ExportStatus, fileRef string) error {
	return s.withRetry(ctx, "UpdateExportStatus", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE exports SET status = $2, file_ref = $3 WHERE id = $1`,
			id, status, fileRef)
		return err
	})
}

// DeliveryStats summarizes an Export's Deliveries by status (§6 "Get
// Export": "delivery statistics (counts by status)").
type DeliveryStats struct {
	Pending   int
	Succeeded int
	Failed    int
}

// DeliveryStatsForExport counts Deliveries by status for an Export.
func (s *Store) DeliveryStatsForExport(ctx context.Context, exportID string) (DeliveryStats, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, count(*) FROM deliveries WHERE export_id = $1 GROUP BY status`, exportID)
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("store: DeliveryStatsForExport: %w", err)
	}
	defer rows.Close()

	var stats DeliveryStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return DeliveryStats{}, fmt.Errorf("store: DeliveryStatsForExport: scanning: %w", err)
		}
		switch core.DeliveryStatus(status) {
		case core.DeliveryPending:
			stats.Pending = count
		case core.DeliverySucceeded:
			stats.Succeeded = count
		case core.DeliveryFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// SampleFailedDeliveries returns up to limit failed Deliveries for an Export
// (§6 "Get Export": "up to 5 sample failed deliveries").
func (s *Store) SampleFailedDeliveries(ctx context.Context, exportID string, limit int) ([]core.Delivery, error) {
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, export_id, run_id, mapper_name, mapper_version, payload, status, attempts, last_error, response_body
		FROM deliveries WHERE export_id = $1 AND status = $2
		ORDER BY attempts DESC LIMIT $3`,
		exportID, core.DeliveryFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("store: SampleFailedDeliveries: %w", err)
	}
	out := make([]core.Delivery, len(rows))
	for i, row := range rows {
		out[i] = row.toDelivery()
	}
	return out, nil
}
