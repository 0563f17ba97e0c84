package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bothost/internal/runtimes"
	"bothost/internal/validation"

	"github.com/klauspost/compress/zip"
)

// StoreArchive replaces the bot's source with the contents of a zip archive.
//
// Every member is checked before anything is written. Member paths must stay
// inside the bot directory and symlinks are refused. Each path segment is
// sanitized like a single upload's filename, and two members that sanitize to
// the same path reject the archive. File extensions must be allowed by the
// runtime, though extensionless files pass. The declared entry count and
// uncompressed size must fit the configured limits. Declared sizes are not trusted during
// extraction; each member is read through a limit so a lying header still
// trips ErrArchiveTooLarge.
func (m *Manager) StoreArchive(ctx context.Context, botID uint, desc runtimes.Descriptor, data []byte) (*Result, error) {
	// A reader returned alongside an error means the archive parsed but
	// carries insecure names; checkMembers rejects those with ErrInvalidPath.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if zr == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	members, err := m.checkMembers(zr.File, desc)
	if err != nil {
		return nil, err
	}

	staging, err := m.newStaging(botID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	result := &Result{}
	remaining := m.maxArchiveBytes
	for _, mb := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dest, err := within(staging, mb.name)
		if err != nil {
			return nil, err
		}
		if mb.file.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, dirPerm); err != nil {
				return nil, fmt.Errorf("failed to create %s: %w", mb.name, err)
			}
			continue
		}

		n, err := extractFile(mb.file, dest, remaining)
		if err != nil {
			return nil, err
		}
		remaining -= n
		result.Bytes += n
		result.Files = append(result.Files, mb.name)
	}

	if err := m.swap(botID, staging); err != nil {
		return nil, err
	}

	m.archive(ctx, botID, "source.zip", data)
	return result, nil
}

type member struct {
	name string
	file *zip.File
}

func (m *Manager) checkMembers(files []*zip.File, desc runtimes.Descriptor) ([]member, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: archive is empty", ErrInvalidArchive)
	}
	if len(files) > m.maxArchiveFiles {
		return nil, fmt.Errorf("%w: %d entries (max %d)", ErrArchiveTooLarge, len(files), m.maxArchiveFiles)
	}

	var declared uint64
	members := make([]member, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, f := range files {
		if err := validation.ValidateArchiveMember(f.Name); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
		}
		name := validation.SanitizeArchiveMember(f.Name)
		if name == "" {
			continue
		}

		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: symlink %q", ErrInvalidPath, f.Name)
		}
		if !mode.IsDir() && !mode.IsRegular() {
			return nil, fmt.Errorf("%w: %q is not a regular file", ErrInvalidPath, f.Name)
		}
		if !mode.IsDir() {
			if !desc.AllowsArchiveMember(name) {
				return nil, fmt.Errorf("%w: %q is not allowed for runtime %s", ErrUnsupportedExtension, name, desc.ID)
			}
			if prev, ok := seen[name]; ok {
				return nil, fmt.Errorf("%w: %q and %q both unpack to %q", ErrInvalidArchive, prev, f.Name, name)
			}
			seen[name] = f.Name
		}

		declared += f.UncompressedSize64
		if declared > uint64(m.maxArchiveBytes) {
			return nil, fmt.Errorf("%w: more than %d uncompressed bytes", ErrArchiveTooLarge, m.maxArchiveBytes)
		}
		members = append(members, member{name: name, file: f})
	}
	return members, nil
}

// within joins name under base and verifies the result did not escape it.
func within(base, name string) (string, error) {
	dest := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the bot directory", ErrInvalidPath, name)
	}
	return dest, nil
}

func extractFile(f *zip.File, dest string, remaining int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), dirPerm); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if os.IsExist(err) {
		return 0, fmt.Errorf("%w: duplicate entry %q", ErrInvalidArchive, f.Name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", f.Name, err)
	}
	defer out.Close()

	n, err := io.Copy(out, io.LimitReader(rc, remaining+1))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if n > remaining {
		return n, fmt.Errorf("%w: extracted data exceeds limit", ErrArchiveTooLarge)
	}
	return n, out.Close()
}
