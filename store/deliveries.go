package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/answerlens/engine/core"
)

type deliveryRow struct {
	ID            string         `db:"id"`
	ExportID      string         `db:"export_id"`
	RunID         string         `db:"run_id"`
	MapperName    string         `db:"mapper_name"`
	MapperVersion string         `db:"mapper_version"`
	Payload       core.JSONValue `db:"payload"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	LastError     string         `db:"last_error"`
	ResponseBody  string         `db:"response_body"`
}

func (row deliveryRow) toDelivery() core.Delivery {
	return core.Delivery{
		ID: row.ID, ExportID: row.ExportID, RunID: row.RunID,
		MapperName: row.MapperName, MapperVersion: row.MapperVersion,
		Payload: row.Payload, Status: core.DeliveryStatus(row.Status),
		Attempts: row.Attempts, LastError: row.LastError, ResponseBody: row.ResponseBody,
	}
}

// CreateDelivery inserts a pending Delivery, created 1:1 with a succeeded
// RunItem in an exported run that names a mapper (§3).
func (s *Store) CreateDelivery(ctx context.Context, d core.Delivery) (core.Delivery, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.Status == "" {
		d.Status = core.DeliveryPending
	}
	err := s.withRetry(ctx, "CreateDelivery", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO deliveries (id, export_id, run_id, mapper_name, mapper_version, payload, status, attempts, last_error, response_body)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', '')`,
			d.ID, d.ExportID, d.RunID, d.MapperName, d.MapperVersion, d.Payload, d.Status)
		return err
	})
	return d, err
}

// GetDelivery loads a Delivery by id (delivery.DeliveryStore, §6 "Get Delivery").
func (s *Store) GetDelivery(ctx context.Context, id string) (core.Delivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, export_id, run_id, mapper_name, mapper_version, payload, status, attempts, last_error, response_body
		FROM deliveries WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Delivery{}, fmt.Errorf("store: delivery %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Delivery{}, fmt.Errorf("store: GetDelivery: %w", err)
	}
	return row.toDelivery(), nil
}

// IncrementDeliveryAttempt bumps attempts by one and returns the new count
// (delivery.DeliveryStore, §4.9 step 1).
func (s *Store) IncrementDeliveryAttempt(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.withRetry(ctx, "IncrementDeliveryAttempt", func() error {
		return s.db.GetContext(ctx, &attempts, `
			UPDATE deliveries SET attempts = attempts + 1 WHERE id = $1
			RETURNING attempts`, id)
	})
	return attempts, err
}

// RecordDeliveryResult persists the outcome of one delivery attempt
// (delivery.DeliveryStore, §4.9 step 5's classification table). status
// pending means "retry scheduled"; succeeded/failed are terminal.
func (s *Store) RecordDeliveryResult(ctx context.Context, id string, status core.DeliveryStatus, lastError, responseBody string) error {
	return s.withRetry(ctx, "RecordDeliveryResult", func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE deliveries SET status = $2, last_error = $3, response_body = $4 WHERE id = $1`,
			id, status, lastError, responseBody)
		return err
	})
}

// ListDeliveriesByRunItem lists every Delivery created for a run under a
// given mapper.
func (s *Store) ListDeliveriesByRunItem(ctx context.Context, runID, mapperName string) ([]core.Delivery, error) {
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, export_id, run_id, mapper_name, mapper_version, payload, status, attempts, last_error, response_body
		FROM deliveries WHERE run_id = $1 AND mapper_name = $2`, runID, mapperName)
	if err != nil {
		return nil, fmt.Errorf("store: ListDeliveriesByRunItem: %w", err)
	}
	out := make([]core.Delivery, len(rows))
	for i, row := range rows {
		out[i] = row.toDelivery()
	}
	return out, nil
}
