package stages

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/vk/aisflow/internal/ais"
	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/fsutil"
	"github.com/vk/aisflow/internal/task"
)

// ParamDedupKeep selects the tie-break rule when the same natural key
// appears more than once: "first" (default) keeps the first-seen report,
// "last" keeps the most recently read one.
const ParamDedupKeep = "keep"

// Deduper merges one archive's clean files into a single output with one row
// per natural key. The output is written in key order, so the surviving set
// and its serialization are independent of input ordering.
type Deduper struct {
	Workspace fsutil.Workspace
}

// Execute implements Executor.
func (e *Deduper) Execute(ctx context.Context, d task.Descriptor, _ Inputs) (ArtifactRef, error) {
	logger := ctxlog.FromContext(ctx).With("stage", "dedup", "archive", d.Key)

	keep := d.Param(ParamDedupKeep, "first")
	if keep != "first" && keep != "last" {
		return ArtifactRef{}, Permanent(fmt.Errorf("invalid keep policy %q", keep))
	}

	base := fsutil.ArchiveBase(d.Key)
	inputs, err := fsutil.FindFilesByExtension(e.Workspace.CleanDir(base), ".csv")
	if err != nil {
		return ArtifactRef{}, Transient(fmt.Errorf("list clean files: %w", err))
	}
	if len(inputs) == 0 {
		return ArtifactRef{}, Permanent(fmt.Errorf("no clean files for %s", d.Key))
	}
	sort.Strings(inputs)

	seen := make(map[string]ais.Record)
	var order []string
	dropped := 0
	for _, in := range inputs {
		fileDropped, err := dedupFile(in, keep, seen, &order)
		if err != nil {
			return ArtifactRef{}, err
		}
		dropped += fileDropped
	}

	outPath := e.Workspace.DedupFile(base)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return ArtifactRef{}, Transient(err)
	}
	sort.Strings(order)
	if err := writeRecords(outPath, seen, order); err != nil {
		return ArtifactRef{}, err
	}

	logger.Info("archive deduplicated", "unique", len(order), "duplicates", dropped)
	return ArtifactRef{Paths: []string{outPath}, Rows: len(order), Dropped: dropped}, nil
}

// dedupFile folds one clean file into the seen map, returning the number of
// duplicate rows encountered.
func dedupFile(path, keep string, seen map[string]ais.Record, order *[]string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, Transient(fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	dropped := 0
	r := csv.NewReader(f)
	for {
		row, readErr := r.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, Permanent(fmt.Errorf("clean file %s is malformed: %w", path, readErr))
		}
		if isHeader(row) {
			continue
		}
		rec, parseErr := ais.ParseRow(row)
		if parseErr != nil {
			// Clean already validated these rows.
			return 0, Permanent(fmt.Errorf("clean file %s holds invalid row: %w", path, parseErr))
		}

		key := rec.NaturalKey()
		if _, dup := seen[key]; dup {
			dropped++
			if keep == "last" {
				seen[key] = rec
			}
			continue
		}
		seen[key] = rec
		*order = append(*order, key)
	}
	return dropped, nil
}

func writeRecords(path string, seen map[string]ais.Record, keys []string) error {
	f, err := os.Create(path)
	if err != nil {
		return Transient(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(ais.Columns); err != nil {
		return Transient(err)
	}
	for _, key := range keys {
		if err := w.Write(seen[key].Row()); err != nil {
			return Transient(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Transient(err)
	}
	return nil
}
