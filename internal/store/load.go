package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vk/aisflow/internal/ais"
)

// LoadResult reports one file's load: rows copied into staging and rows
// actually inserted (copied minus natural-key conflicts).
type LoadResult struct {
	Copied   int64
	Inserted int64
}

// LoadCleanFile loads one deduplicated CSV file into ais_clean. The file is
// copied into a transaction-scoped staging table and folded in with
// ON CONFLICT DO NOTHING on the natural key, so re-running a load never
// creates duplicate rows. One ais_sources row records the file.
func (s *Store) LoadCleanFile(ctx context.Context, path string) (LoadResult, error) {
	rows, err := readCleanFile(path)
	if err != nil {
		return LoadResult{}, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return LoadResult{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE ais_incoming
		(LIKE ais_clean INCLUDING DEFAULTS)
		ON COMMIT DROP`); err != nil {
		return LoadResult{}, fmt.Errorf("create staging table: %w", err)
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"ais_incoming"}, ais.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return LoadResult{}, fmt.Errorf("copy %s: %w", filepath.Base(path), err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO ais_clean SELECT * FROM ais_incoming
		ON CONFLICT DO NOTHING`)
	if err != nil {
		return LoadResult{}, fmt.Errorf("fold staging into ais_clean: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO ais_sources (filename, ext, clean)
		VALUES ($1, $2, $3)
		ON CONFLICT (filename) DO UPDATE SET clean = EXCLUDED.clean`,
		filepath.Base(path), filepath.Ext(path), copied); err != nil {
		return LoadResult{}, fmt.Errorf("record source: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return LoadResult{}, fmt.Errorf("commit: %w", err)
	}
	return LoadResult{Copied: copied, Inserted: tag.RowsAffected()}, nil
}

// readCleanFile parses a clean CSV file into typed CopyFrom rows.
func readCleanFile(path string) ([][]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header := true
	var rows [][]any
	for {
		row, readErr := r.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read %s: %w", path, readErr)
		}
		if header {
			header = false
			continue
		}
		rec, parseErr := ais.ParseRow(row)
		if parseErr != nil {
			return nil, fmt.Errorf("row in %s: %w", path, parseErr)
		}
		typed, convErr := typedRow(rec)
		if convErr != nil {
			return nil, fmt.Errorf("row in %s: %w", path, convErr)
		}
		rows = append(rows, typed)
	}
	return rows, nil
}

// typedRow converts a validated record into CopyFrom values matching the
// ais_clean column types. Empty optional fields become NULL.
func typedRow(rec ais.Record) ([]any, error) {
	mmsi, err := strconv.ParseInt(rec.MMSI, 10, 64)
	if err != nil {
		return nil, err
	}
	ts, err := time.Parse(ais.TimeLayout, rec.Time)
	if err != nil {
		return nil, err
	}
	msgID, err := strconv.Atoi(rec.MessageID)
	if err != nil {
		return nil, err
	}
	return []any{
		mmsi, ts, msgID,
		nullInt(rec.NavigationalStatus),
		nullFloat(rec.SOG),
		nullFloat(rec.Longitude),
		nullFloat(rec.Latitude),
		nullFloat(rec.COG),
		nullFloat(rec.Heading),
		nullText(rec.IMO),
		nullFloat(rec.Draught),
		nullText(rec.Destination),
		nullText(rec.VesselName),
		nullInt(rec.ETAMonth),
		nullInt(rec.ETADay),
		nullInt(rec.ETAHour),
		nullInt(rec.ETAMinute),
	}, nil
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(s string) any {
	if s == "" {
		return nil
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	return nil
}

func nullFloat(s string) any {
	if s == "" {
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return nil
}
