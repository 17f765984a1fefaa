// Package sqlite provides a SQLite-backed sync storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	sqlitemigrate "github.com/maplocus/wisn/internal/platform/storage/sqlitemigrate"
	"github.com/maplocus/wisn/internal/services/sync/entity"
	"github.com/maplocus/wisn/internal/services/sync/storage"
	"github.com/maplocus/wisn/internal/services/sync/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists map synchronization state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a SQLite sync store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutNode upserts one node by name.
func (s *Store) PutNode(ctx context.Context, node entity.Node) error {
	return s.putPoint(ctx, "nodes", node.Name, node.X, node.Y)
}

// DeleteNode removes one node by name.
func (s *Store) DeleteNode(ctx context.Context, name string) error {
	return s.deletePoint(ctx, "nodes", name)
}

// ForEachNode streams every stored node.
func (s *Store) ForEachNode(ctx context.Context, fn func(entity.Node) error) error {
	return s.forEachPoint(ctx, "nodes", func(name string, x, y float64) error {
		return fn(entity.Node{Name: name, X: x, Y: y})
	})
}

// PutCalibrationPoint upserts one calibration point by name.
func (s *Store) PutCalibrationPoint(ctx context.Context, point entity.CalibrationPoint) error {
	return s.putPoint(ctx, "calibration_points", point.Name, point.X, point.Y)
}

// DeleteCalibrationPoint removes one calibration point by name.
func (s *Store) DeleteCalibrationPoint(ctx context.Context, name string) error {
	return s.deletePoint(ctx, "calibration_points", name)
}

// ForEachCalibrationPoint streams every stored calibration point.
func (s *Store) ForEachCalibrationPoint(ctx context.Context, fn func(entity.CalibrationPoint) error) error {
	return s.forEachPoint(ctx, "calibration_points", func(name string, x, y float64) error {
		return fn(entity.CalibrationPoint{Name: name, X: x, Y: y})
	})
}

func (s *Store) putPoint(ctx context.Context, table string, name string, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (name, x, y)
		 VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   x = excluded.x,
		   y = excluded.y`, table)
	if _, err := s.sqlDB.ExecContext(ctx, query, name, x, y); err != nil {
		return fmt.Errorf("put %s record: %w", table, err)
	}
	return nil
}

func (s *Store) deletePoint(ctx context.Context, table string, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("name is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE name = ?", table), name)
	if err != nil {
		return fmt.Errorf("delete %s record: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s rows affected: %w", table, err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) forEachPoint(ctx context.Context, table string, fn func(name string, x, y float64) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if fn == nil {
		return fmt.Errorf("iteration callback is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf("SELECT name, x, y FROM %s", table))
	if err != nil {
		return fmt.Errorf("list %s records: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		var x, y float64
		if err := rows.Scan(&name, &x, &y); err != nil {
			return fmt.Errorf("scan %s record: %w", table, err)
		}
		if err := fn(name, x, y); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s records: %w", table, err)
	}
	return nil
}

// PutNameMapping upserts one hardware-id to display-name mapping.
func (s *Store) PutNameMapping(ctx context.Context, mapping storage.NameMapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	hardwareID := strings.TrimSpace(mapping.HardwareID)
	name := strings.TrimSpace(mapping.Name)
	if hardwareID == "" {
		return fmt.Errorf("hardware id is required")
	}
	if name == "" {
		return fmt.Errorf("name is required")
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO name_mappings (hardware_id, name)
		 VALUES (?, ?)
		 ON CONFLICT(hardware_id) DO UPDATE SET
		   name = excluded.name`,
		hardwareID,
		name,
	)
	if err != nil {
		return fmt.Errorf("put name mapping: %w", err)
	}
	return nil
}

// DeleteNameMapping removes one mapping by hardware id.
func (s *Store) DeleteNameMapping(ctx context.Context, hardwareID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	hardwareID = strings.TrimSpace(hardwareID)
	if hardwareID == "" {
		return fmt.Errorf("hardware id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, "DELETE FROM name_mappings WHERE hardware_id = ?", hardwareID)
	if err != nil {
		return fmt.Errorf("delete name mapping: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete name mapping rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ResolveName returns the display name for a normalized hardware id.
func (s *Store) ResolveName(ctx context.Context, hardwareID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", fmt.Errorf("storage is not configured")
	}
	hardwareID = strings.TrimSpace(hardwareID)
	if hardwareID == "" {
		return "", fmt.Errorf("hardware id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, "SELECT name FROM name_mappings WHERE hardware_id = ?", hardwareID)
	var name string
	if err := row.Scan(&name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("resolve name: %w", err)
	}
	return name, nil
}

// ForEachNameMapping streams every stored mapping.
func (s *Store) ForEachNameMapping(ctx context.Context, fn func(storage.NameMapping) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if fn == nil {
		return fmt.Errorf("iteration callback is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT hardware_id, name FROM name_mappings")
	if err != nil {
		return fmt.Errorf("list name mappings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var mapping storage.NameMapping
		if err := rows.Scan(&mapping.HardwareID, &mapping.Name); err != nil {
			return fmt.Errorf("scan name mapping: %w", err)
		}
		if err := fn(mapping); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate name mappings: %w", err)
	}
	return nil
}
