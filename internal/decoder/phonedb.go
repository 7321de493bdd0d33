// Studyflow - Longitudinal Study Sensor Ingestion and Daily Summaries
// Copyright 2026 D. Kressner (dkressner)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkressner/studyflow

package decoder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/dkressner/studyflow/internal/models"

	// DuckDB driver - used with the sqlite_scanner extension to read
	// phone log databases without a separate SQLite driver.
	_ "github.com/duckdb/duckdb-go/v2"
)

// PhoneDBDecoder decodes SQLite databases exported by the phone logging app.
// The file is attached to an in-memory DuckDB connection through the
// sqlite_scanner extension and read table by table.
type PhoneDBDecoder struct{}

// NewPhoneDBDecoder returns a decoder for phone SQLite log databases.
func NewPhoneDBDecoder() *PhoneDBDecoder {
	return &PhoneDBDecoder{}
}

// Format reports the format tag this decoder handles.
func (d *PhoneDBDecoder) Format() models.FormatTag {
	return models.FormatPhoneDB
}

// phoneTables maps known phone log tables to their row decoders. Tables
// not listed here are preserved as unknown events, one per row.
var phoneTables = map[string]func(res *Result, userID string, row map[string]any){
	"location":     decodeLocationRow,
	"battery":      decodeBatteryRow,
	"screen_state": decodeScreenRow,
	"activity":     decodeActivityRow,
	"steps":        decodeStepsRow,
	"app_usage":    decodeAppUsageRow,
}

// Decode attaches the database and reads every table. A file that cannot
// be attached or enumerated returns ErrCorruptContainer; individual rows
// that cannot be interpreted become unknown events.
func (d *PhoneDBDecoder) Decode(ctx context.Context, userID string, data []byte) (*Result, error) {
	tmpDir, err := os.MkdirTemp("", "studyflow-phonedb-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir) //nolint:errcheck // best-effort cleanup

	dbPath := filepath.Join(tmpDir, "upload.db")
	if err := os.WriteFile(dbPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write temp database: %w", err)
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	defer db.Close() //nolint:errcheck // read-only connection

	if err := loadSQLiteExtension(ctx, db); err != nil {
		return nil, fmt.Errorf("load sqlite extension: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CALL sqlite_attach(?)", dbPath); err != nil {
		return nil, fmt.Errorf("%w: sqlite_attach: %v", ErrCorruptContainer, err)
	}

	tables, err := listTables(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate tables: %v", ErrCorruptContainer, err)
	}

	res := &Result{}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.decodeTable(ctx, db, res, userID, table); err != nil {
			return nil, fmt.Errorf("read table %s: %w", table, err)
		}
	}
	return res, nil
}

// loadSQLiteExtension installs and loads the sqlite_scanner extension.
// Installation may fail when the extension is already present, in which
// case loading alone is sufficient.
func loadSQLiteExtension(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "INSTALL sqlite_scanner;"); err != nil {
		if _, loadErr := db.ExecContext(ctx, "LOAD sqlite_scanner;"); loadErr != nil {
			return fmt.Errorf("install error: %w, load error: %w", err, loadErr)
		}
		return nil
	}
	_, err := db.ExecContext(ctx, "LOAD sqlite_scanner;")
	return err
}

// listTables enumerates base tables exposed through the attached database.
func listTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_type = 'BASE TABLE' ORDER BY table_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// decodeTable reads every row of one table into events. Rows are scanned
// generically into a column/value map so that schema drift in the phone
// app degrades to unknown events instead of decode failures.
func (d *PhoneDBDecoder) decodeTable(ctx context.Context, db *sql.DB, res *Result, userID, table string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(table)))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	decodeRow, known := phoneTables[table]
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}

		if known {
			decodeRow(res, userID, row)
		} else {
			res.addUnknown(unknownRowEvent(userID, table, row))
		}
	}
	return rows.Err()
}

// quoteIdent quotes a table name for interpolation. Table names come from
// the database's own catalog, but quoting keeps odd names from breaking
// the query.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func decodeLocationRow(res *Result, userID string, row map[string]any) {
	ts, ok := rowMillis(row, "ts")
	if !ok {
		res.addUnknown(unknownRowEvent(userID, "location", row))
		return
	}
	res.add(models.NewLocationEvent(userID, ts,
		rowFloat(row, "latitude"), rowFloat(row, "longitude"),
		rowFloat(row, "accuracy"), rowFloat(row, "altitude")))
}

func decodeBatteryRow(res *Result, userID string, row map[string]any) {
	ts, ok := rowMillis(row, "ts")
	if !ok {
		res.addUnknown(unknownRowEvent(userID, "battery", row))
		return
	}
	res.add(models.NewBatteryEvent(userID, ts, int(rowInt(row, "level")), int(rowInt(row, "state"))))
}

func decodeScreenRow(res *Result, userID string, row map[string]any) {
	ts, ok := rowMillis(row, "ts")
	if !ok {
		res.addUnknown(unknownRowEvent(userID, "screen_state", row))
		return
	}
	res.add(models.NewScreenEvent(userID, ts, rowInt(row, "locked") != 0))
}

func decodeActivityRow(res *Result, userID string, row map[string]any) {
	ts, ok := rowMillis(row, "ts")
	if !ok {
		res.addUnknown(unknownRowEvent(userID, "activity", row))
		return
	}
	res.add(models.NewActivityEvent(userID, ts, rowString(row, "activity"), int(rowInt(row, "confidence"))))
}

func decodeStepsRow(res *Result, userID string, row map[string]any) {
	start, okStart := rowMillis(row, "ts_start")
	end, okEnd := rowMillis(row, "ts_end")
	if !okStart || !okEnd {
		res.addUnknown(unknownRowEvent(userID, "steps", row))
		return
	}
	res.add(models.NewStepsEvent(userID, start, end, rowInt(row, "steps"), rowFloat(row, "distance")))
}

func decodeAppUsageRow(res *Result, userID string, row map[string]any) {
	ts, ok := rowMillis(row, "ts")
	if !ok {
		res.addUnknown(unknownRowEvent(userID, "app_usage", row))
		return
	}
	res.add(models.NewAppUsageEvent(userID, ts, rowString(row, "app_name"), rowString(row, "status")))
}

// unknownRowEvent preserves a row that could not be decoded. The row map
// is serialized so the raw content survives alongside the parse note.
func unknownRowEvent(userID, table string, row map[string]any) models.Event {
	ts := models.UnknownEventTime
	if t, ok := rowMillis(row, "ts"); ok {
		ts = t
	}
	raw, err := json.Marshal(row)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", row))
	}
	return models.NewUnknownEvent(userID, ts, raw, fmt.Sprintf("unmapped phone table %q row", table))
}

// rowMillis reads a unix-millisecond timestamp column. NULL or
// non-numeric values report !ok so the row degrades to an unknown event.
func rowMillis(row map[string]any, key string) (time.Time, bool) {
	ms, ok := numeric(row[key])
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}

func rowFloat(row map[string]any, key string) float64 {
	f, _ := numeric(row[key])
	return f
}

func rowInt(row map[string]any, key string) int64 {
	f, _ := numeric(row[key])
	return int64(f)
}

func rowString(row map[string]any, key string) string {
	if s, ok := row[key].(string); ok {
		return s
	}
	if row[key] == nil {
		return ""
	}
	return fmt.Sprintf("%v", row[key])
}

// numeric normalizes the integer and float widths the driver may hand back.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
