// Package fsutil provides file system utility functions and the working
// folder layout shared by the pipeline stages.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// WorkdirEnv names the environment variable that overrides the working
// folder location.
const WorkdirEnv = "AISFLOW_WORKDIR"

// Workspace is the on-disk layout of one pipeline working folder. Stage
// outputs land in fixed subdirectories so a restarted run finds its
// predecessors' artifacts where it left them.
type Workspace struct {
	Root string
}

// ResolveWorkspace returns the working folder: the WorkdirEnv variable when
// set, otherwise the parent of the archive folder's parent (so a folder of
// yearly archives keeps its derived files next to it).
func ResolveWorkspace(archiveDir string) (Workspace, error) {
	if root := os.Getenv(WorkdirEnv); root != "" {
		return Workspace{Root: root}, nil
	}
	if archiveDir == "" {
		return Workspace{}, fmt.Errorf("no working folder: set %s or provide an archive folder", WorkdirEnv)
	}
	abs, err := filepath.Abs(archiveDir)
	if err != nil {
		return Workspace{}, err
	}
	return Workspace{Root: filepath.Dir(filepath.Dir(abs))}, nil
}

// UnzippedDir returns the extraction directory for one archive.
func (w Workspace) UnzippedDir(archiveBase string) string {
	return filepath.Join(w.Root, "files", "unzipped", archiveBase)
}

// CleanDir returns the directory holding one archive's cleaned CSV files.
func (w Workspace) CleanDir(archiveBase string) string {
	return filepath.Join(w.Root, "files", "cleancsv", archiveBase)
}

// DedupFile returns the path of one archive's deduplicated output.
func (w Workspace) DedupFile(archiveBase string) string {
	return filepath.Join(w.Root, "files", "dedup", archiveBase+".csv")
}

// LedgerFile returns the path of the file-backed ledger journal.
func (w Workspace) LedgerFile() string {
	return filepath.Join(w.Root, "ledger", "journal.jsonl")
}

// FindFilesByExtension recursively searches the given root path for all files ending
// with the specified extension. It returns a slice of their full paths.
func FindFilesByExtension(rootPath string, extension string) ([]string, error) {
	if extension == "" {
		panic("extension must not be empty")
	}

	var files []string
	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), extension) {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}

// ArchiveBase returns the archive's name without directory or extension,
// used as the key of every per-archive descriptor.
func ArchiveBase(archivePath string) string {
	base := filepath.Base(archivePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
