package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// CreateGroup inserts g and its members. An empty ID is generated.
func (s *SQLiteStore) CreateGroup(ctx context.Context, g *DeviceGroup) error {
	if g == nil {
		return fmt.Errorf("%w: group is required", ErrInvalidGroup)
	}
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" || len(g.Name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidGroup, maxNameLength)
	}
	if g.ID == "" {
		g.ID = GenerateID()
	}
	g.Members = dedupeOrdered(g.Members)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_groups (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, formatTime(now), formatTime(now),
	); err != nil {
		if isUniqueConstraintError(err) {
			return ErrGroupExists
		}
		return fmt.Errorf("inserting device group: %w", err)
	}

	if err := insertMembers(ctx, tx, g.ID, g.Members); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	g.CreatedAt = now
	g.UpdatedAt = now
	return nil
}

// GetGroup returns the group with id and its members in order, or ErrGroupNotFound.
func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*DeviceGroup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM device_groups WHERE id = ?`, id)

	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device group: %w", err)
	}

	members, err := s.groupMembers(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Members = members
	return g, nil
}

// ListGroups returns every group with its members, ordered by name.
func (s *SQLiteStore) ListGroups(ctx context.Context) ([]DeviceGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM device_groups ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying device groups: %w", err)
	}

	var groups []DeviceGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning device group: %w", err)
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating device groups: %w", err)
	}
	rows.Close()

	for i := range groups {
		members, err := s.groupMembers(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

// SetGroupMembers replaces the membership of a group. Order is preserved
// and duplicates are dropped.
func (s *SQLiteStore) SetGroupMembers(ctx context.Context, groupID string, deviceIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	res, err := tx.ExecContext(ctx,
		`UPDATE device_groups SET updated_at = ? WHERE id = ?`, formatTime(s.now().UTC()), groupID)
	if err != nil {
		return fmt.Errorf("touching device group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrGroupNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_group_members WHERE group_id = ?`, groupID); err != nil {
		return fmt.Errorf("clearing group members: %w", err)
	}
	if err := insertMembers(ctx, tx, groupID, dedupeOrdered(deviceIDs)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertMembers(ctx context.Context, tx *sql.Tx, groupID string, deviceIDs []string) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO device_group_members (group_id, device_id, sort_order) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing member insert: %w", err)
	}
	defer stmt.Close()

	for i, id := range deviceIDs {
		if _, err := stmt.ExecContext(ctx, groupID, id, i); err != nil {
			return fmt.Errorf("inserting group member: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) groupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id FROM device_group_members
		WHERE group_id = ? ORDER BY sort_order`, groupID)
	if err != nil {
		return nil, fmt.Errorf("querying group members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning group member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group members: %w", err)
	}
	return members, nil
}

func scanGroup(row rowScanner) (*DeviceGroup, error) {
	var (
		g                    DeviceGroup
		createdAt, updatedAt string
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}
