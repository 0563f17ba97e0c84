// Package storage owns the on-disk source directory of every bot.
//
// Each bot gets exactly one directory, <root>/<botID>, which is bind-mounted
// into the bot's container. Uploads never write into that directory in
// place: content is staged in a sibling directory and swapped in with
// renames, so a failed upload leaves the previous source untouched.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"bothost/internal/logging"
	"bothost/internal/runtimes"
	"bothost/internal/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxFileSize     = 10 << 20
	DefaultMaxArchiveBytes = 50 << 20
	DefaultMaxArchiveFiles = 1000
	rootPerm               = 0o700
	dirPerm                = 0o755
	filePerm               = 0o644
	stagingPrefix          = ".staging-"
	retiredPrefix          = ".retired-"
)

// Storage errors. None of them is retryable with the same input.
var (
	ErrInvalidPath          = errors.New("invalid path")
	ErrUnsupportedExtension = errors.New("unsupported file extension")
	ErrArchiveTooLarge      = errors.New("archive exceeds size limits")
	ErrFileTooLarge         = errors.New("file exceeds size limit")
	ErrInvalidArchive       = errors.New("invalid archive")
)

// Archiver receives a copy of every successfully stored upload.
type Archiver interface {
	Archive(ctx context.Context, botID uint, name string, data []byte) error
}

// Result describes what an upload left on disk.
type Result struct {
	Files []string `json:"files"`
	Bytes int64    `json:"bytes"`
}

// Manager stores and removes bot source directories.
type Manager struct {
	root            string
	maxFileSize     int64
	maxArchiveBytes int64
	maxArchiveFiles int
	archiver        Archiver
	logger          *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithMaxFileSize(n int64) Option     { return func(m *Manager) { m.maxFileSize = n } }
func WithMaxArchiveBytes(n int64) Option { return func(m *Manager) { m.maxArchiveBytes = n } }
func WithMaxArchiveFiles(n int) Option   { return func(m *Manager) { m.maxArchiveFiles = n } }

// WithArchiver mirrors every stored upload to a. Archive failures are logged
// and never fail the upload.
func WithArchiver(a Archiver) Option { return func(m *Manager) { m.archiver = a } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager rooted at root, creating root if needed. The root is
// made absolute because container bind mounts require absolute host paths.
func New(root string, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, rootPerm); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	m := &Manager{
		root:            abs,
		maxFileSize:     DefaultMaxFileSize,
		maxArchiveBytes: DefaultMaxArchiveBytes,
		maxArchiveFiles: DefaultMaxArchiveFiles,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.L()
	}
	// Containers run as root with every capability dropped, so container
	// root writes into a bot directory only when it owns it.
	if os.Geteuid() != 0 {
		m.logger.Warn("storage is not owned by root; builds that write into the source directory will fail",
			zap.String("root", abs), zap.Int("euid", os.Geteuid()))
	}
	return m, nil
}

// Path returns the bot's directory without creating it.
func (m *Manager) Path(botID uint) string {
	return filepath.Join(m.root, strconv.FormatUint(uint64(botID), 10))
}

// Exists reports whether the bot's directory is present.
func (m *Manager) Exists(botID uint) bool {
	info, err := os.Stat(m.Path(botID))
	return err == nil && info.IsDir()
}

// LocationFor returns the bot's directory, creating it on first use. Only
// the process user can reach it because the storage root is private.
func (m *Manager) LocationFor(botID uint) (string, error) {
	dir := m.Path(botID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create bot directory: %w", err)
	}
	return dir, nil
}

// StoreSingleFile replaces the bot's source with one file. The filename is
// sanitized to a basename and must carry an extension the runtime allows.
func (m *Manager) StoreSingleFile(ctx context.Context, botID uint, desc runtimes.Descriptor, filename string, content []byte) (*Result, error) {
	name := validation.SanitizeFilename(filename)
	if !desc.Allows(name) {
		return nil, fmt.Errorf("%w: %q is not allowed for runtime %s", ErrUnsupportedExtension, name, desc.ID)
	}
	if int64(len(content)) > m.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, len(content), m.maxFileSize)
	}

	staging, err := m.newStaging(botID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(staging)

	if err := os.WriteFile(filepath.Join(staging, name), content, filePerm); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := m.swap(botID, staging); err != nil {
		return nil, err
	}

	m.archive(ctx, botID, name, content)
	return &Result{Files: []string{name}, Bytes: int64(len(content))}, nil
}

// Remove deletes the bot's directory. Removing a missing directory succeeds.
func (m *Manager) Remove(botID uint) error {
	if err := os.RemoveAll(m.Path(botID)); err != nil {
		return fmt.Errorf("failed to remove bot directory: %w", err)
	}
	return nil
}

func (m *Manager) newStaging(botID uint) (string, error) {
	dir := filepath.Join(m.root, fmt.Sprintf("%s%d-%s", stagingPrefix, botID, uuid.NewString()))
	if err := os.Mkdir(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// publish makes every directory under dir 0755 and every file 0644 whatever
// the process umask, so any user inside the container can read the source.
func publish(dir string) error {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		perm := os.FileMode(filePerm)
		if d.IsDir() {
			perm = dirPerm
		}
		return os.Chmod(p, perm)
	})
	if err != nil {
		return fmt.Errorf("failed to set source permissions: %w", err)
	}
	return nil
}

// swap moves staging into place. The previous directory, if any, is renamed
// aside first and removed only after the new one is in place.
func (m *Manager) swap(botID uint, staging string) error {
	if err := publish(staging); err != nil {
		return err
	}
	target := m.Path(botID)
	var retired string

	if _, err := os.Stat(target); err == nil {
		retired = filepath.Join(m.root, fmt.Sprintf("%s%d-%s", retiredPrefix, botID, uuid.NewString()))
		if err := os.Rename(target, retired); err != nil {
			return fmt.Errorf("failed to retire previous source: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat bot directory: %w", err)
	}

	if err := os.Rename(staging, target); err != nil {
		if retired != "" {
			if rerr := os.Rename(retired, target); rerr != nil {
				m.logger.Error("failed to restore previous source",
					zap.Uint("bot_id", botID), zap.Error(rerr))
			}
		}
		return fmt.Errorf("failed to install new source: %w", err)
	}

	if retired != "" {
		if err := os.RemoveAll(retired); err != nil {
			m.logger.Warn("failed to remove retired source",
				zap.Uint("bot_id", botID), zap.String("path", retired), zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) archive(ctx context.Context, botID uint, name string, data []byte) {
	if m.archiver == nil {
		return
	}
	if err := m.archiver.Archive(ctx, botID, name, data); err != nil {
		m.logger.Warn("source backup failed",
			zap.Uint("bot_id", botID), zap.String("name", name), zap.Error(err))
	}
}
