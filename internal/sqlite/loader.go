package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// tableFile maps a SQLite table to the JSONL file that is its source of
// truth. jsonColumns hold JSON documents and are written to the file as
// nested JSON rather than as escaped strings.
type tableFile struct {
	table       string
	file        string
	columns     []string
	jsonColumns map[string]bool
	orderBy     string
}

var tableFiles = []tableFile{
	{
		table:       tableNotebooks,
		file:        "notebooks.jsonl",
		columns:     []string{"user_id", "document_id", "version", "updated_at", "snapshot"},
		jsonColumns: map[string]bool{"snapshot": true},
		orderBy:     "user_id, document_id",
	},
	{
		table:   tableSessions,
		file:    "sessions.jsonl",
		columns: []string{"user_id", "document_id", "uri", "view_type", "session_id", "last_opened"},
		orderBy: "user_id",
	},
	{
		table:       tableLessons,
		file:        "lesson_progress.jsonl",
		columns:     []string{"user_id", "lesson_id", "updated_at", "progress"},
		jsonColumns: map[string]bool{"progress": true},
		orderBy:     "user_id, lesson_id",
	},
	{
		table:       tablePending,
		file:        "pending.jsonl",
		columns:     []string{"pending_id", "user_id", "document_id", "seq", "created_at", "snapshot"},
		jsonColumns: map[string]bool{"snapshot": true},
		orderBy:     "seq",
	},
}

func tableFileFor(table string) (tableFile, bool) {
	for _, tf := range tableFiles {
		if tf.table == table {
			return tf, true
		}
	}
	return tableFile{}, false
}

// loadAllJSONL reads every JSONL file under dataDir into its table inside one
// transaction: either everything loads or the database stays empty.
// Malformed records and unknown fields are skipped.
func loadAllJSONL(ctx context.Context, db *sql.DB, dataDir string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer tx.Rollback()

	for _, tf := range tableFiles {
		records, err := readJSONL(filepath.Join(dataDir, tf.file))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		if err := insertRecords(ctx, tx, tf, records); err != nil {
			return fmt.Errorf("loading %s into %s: %w", tf.file, tf.table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing load transaction: %w", err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, tf tableFile, records []json.RawMessage) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tf.columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		tf.table, strings.Join(tf.columns, ", "), placeholders,
	))
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(rec, &obj); err != nil {
			continue
		}
		args := make([]any, len(tf.columns))
		ok := true
		for i, col := range tf.columns {
			v, err := columnValue(obj[col], tf.jsonColumns[col])
			if err != nil {
				ok = false
				break
			}
			args[i] = v
		}
		if !ok {
			continue
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			// Constraint violations drop the record, not the load.
			continue
		}
	}
	return nil
}

// columnValue converts one JSONL field into a SQLite argument. JSON columns
// keep their raw text verbatim; integers stay exact.
func columnValue(raw json.RawMessage, isJSON bool) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if isJSON {
		return string(raw), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	case map[string]any, []any:
		return string(raw), nil
	default:
		return v, nil
	}
}

// dumpTable reads every row of tf.table and renders it as JSONL records.
func dumpTable(ctx context.Context, q querier, tf tableFile) ([]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s", strings.Join(tf.columns, ", "), tf.table, tf.orderBy,
	))
	if err != nil {
		return nil, fmt.Errorf("reading %s for JSONL: %w", tf.table, err)
	}
	defer rows.Close()

	var records []json.RawMessage
	for rows.Next() {
		values := make([]any, len(tf.columns))
		ptrs := make([]any, len(tf.columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s for JSONL: %w", tf.table, err)
		}

		obj := make(map[string]any, len(tf.columns))
		for i, col := range tf.columns {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if s, ok := v.(string); ok && tf.jsonColumns[col] {
				v = json.RawMessage(s)
			}
			obj[col] = v
		}
		rec, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("encoding %s record: %w", tf.table, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
