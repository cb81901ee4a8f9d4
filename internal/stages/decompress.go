package stages

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vk/aisflow/internal/ctxlog"
	"github.com/vk/aisflow/internal/fsutil"
	"github.com/vk/aisflow/internal/task"
)

// ParamArchivePath is the descriptor parameter carrying the absolute path of
// the archive to extract.
const ParamArchivePath = "path"

// Decompressor extracts the CSV members of one zip archive into the working
// folder. A corrupt or empty archive fails only its own descriptor; sibling
// archives are untouched.
type Decompressor struct {
	Workspace fsutil.Workspace
}

// Execute implements Executor.
func (e *Decompressor) Execute(ctx context.Context, d task.Descriptor, _ Inputs) (ArtifactRef, error) {
	logger := ctxlog.FromContext(ctx).With("stage", "decompress", "archive", d.Key)

	archivePath := d.Param(ParamArchivePath, d.Key)
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return ArtifactRef{}, Permanent(fmt.Errorf("open archive %s: %w", archivePath, err))
	}
	defer reader.Close()

	outDir := e.Workspace.UnzippedDir(fsutil.ArchiveBase(d.Key))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return ArtifactRef{}, Transient(fmt.Errorf("create output dir: %w", err))
	}

	var extracted []string
	seen := make(map[string]string)
	for _, member := range reader.File {
		if member.FileInfo().IsDir() || filepath.Ext(member.Name) != ".csv" {
			continue
		}
		base := filepath.Base(member.Name)
		if prev, dup := seen[base]; dup {
			// Flattening two members onto one output file would silently
			// drop the first one's rows.
			return ArtifactRef{}, Permanent(fmt.Errorf("archive %s: members %s and %s collide on name %s",
				archivePath, prev, member.Name, base))
		}
		seen[base] = member.Name
		dst := filepath.Join(outDir, base)
		if err := extractMember(member, dst); err != nil {
			return ArtifactRef{}, Permanent(fmt.Errorf("member %s: %w", member.Name, err))
		}
		extracted = append(extracted, dst)
	}
	if len(extracted) == 0 {
		return ArtifactRef{}, Permanent(fmt.Errorf("archive %s contains no csv members", archivePath))
	}

	logger.Info("archive extracted", "members", len(extracted), "dir", outDir)
	return ArtifactRef{Paths: extracted}, nil
}

// extractMember copies one archive member to dst. Corruption surfaces here
// as a read error mid-copy.
func extractMember(member *zip.File, dst string) error {
	src, err := member.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
