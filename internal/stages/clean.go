package stages

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/aisflow/internal/ais"
	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/fsutil"
	"github.com/vk/aisflow/internal/task"
)

// Cleaner validates every extracted CSV file of one archive and writes the
// normalized rows under files/cleancsv. Malformed lines are dropped and
// counted, never failing the whole file.
type Cleaner struct {
	Workspace fsutil.Workspace
}

// Execute implements Executor.
func (e *Cleaner) Execute(ctx context.Context, d task.Descriptor, _ Inputs) (ArtifactRef, error) {
	logger := ctxlog.FromContext(ctx).With("stage", "clean", "archive", d.Key)

	base := fsutil.ArchiveBase(d.Key)
	inputs, err := fsutil.FindFilesByExtension(e.Workspace.UnzippedDir(base), ".csv")
	if err != nil {
		return ArtifactRef{}, Transient(fmt.Errorf("list extracted files: %w", err))
	}
	if len(inputs) == 0 {
		return ArtifactRef{}, Permanent(fmt.Errorf("no extracted csv files for %s", d.Key))
	}

	outDir := e.Workspace.CleanDir(base)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ArtifactRef{}, Transient(fmt.Errorf("create output dir: %w", err))
	}

	ref := ArtifactRef{}
	for _, in := range inputs {
		out := filepath.Join(outDir, filepath.Base(in))
		kept, dropped, err := cleanFile(in, out)
		if err != nil {
			return ArtifactRef{}, err
		}
		logger.Info("file cleaned", "file", filepath.Base(in), "kept", kept, "dropped", dropped)
		ref.Paths = append(ref.Paths, out)
		ref.Rows += kept
		ref.Dropped += dropped
	}
	return ref, nil
}

// cleanFile validates one raw file into one clean file with a header row.
func cleanFile(inPath, outPath string) (kept, dropped int, err error) {
	in, err := os.Open(inPath)
	if err != nil {
		return 0, 0, Transient(fmt.Errorf("open %s: %w", inPath, err))
	}
	defer in.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, 0, Transient(fmt.Errorf("create %s: %w", outPath, err))
	}
	defer out.Close()

	w := csv.NewWriter(out)
	if err := w.Write(ais.Columns); err != nil {
		return 0, 0, Transient(err)
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	for {
		row, readErr := r.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			// A line the csv reader cannot tokenize is a bad line, not a
			// bad file.
			dropped++
			continue
		}
		if isHeader(row) {
			continue
		}
		rec, parseErr := ais.ParseRow(row)
		if parseErr != nil {
			dropped++
			continue
		}
		if err := w.Write(rec.Row()); err != nil {
			return 0, 0, Transient(err)
		}
		kept++
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return 0, 0, Transient(err)
	}
	return kept, dropped, nil
}

// isHeader reports whether a row is the column header of a raw file.
func isHeader(row []string) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "mmsi")
}
