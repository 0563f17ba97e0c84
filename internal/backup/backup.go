// Package backup keeps off-host copies of uploaded bot code.
//
// Every upload the storage manager accepts is compressed, optionally
// encrypted with AES-256-GCM, and written to a StorageProvider under
// bots/<id>/<timestamp>-<name>.gz. Older copies beyond the retention limit
// are pruned, and all copies are purged when the bot is deleted.
package backup

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"bothost/internal/logging"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultRetain is how many copies are kept per bot.
const DefaultRetain = 5

const keyTimeFormat = "20060102T150405.000000000Z"

// Prometheus metrics
var (
	backupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bothost_source_backup_duration_seconds",
		Help:    "Duration of source backup uploads",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"status"})

	backupSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bothost_source_backup_size_bytes",
		Help:    "Stored size of source backups after compression",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	backupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bothost_source_backup_total",
		Help: "Total number of source backup operations",
	}, []string{"operation", "status"})
)

// Config holds backup configuration
type Config struct {
	// EncryptionKey enables AES-256-GCM when set. Keys that are not 32 bytes
	// are hashed to 32 bytes.
	EncryptionKey string

	// Retain is the number of copies kept per bot. Zero means DefaultRetain.
	Retain int
}

// Manager archives uploads and purges them with their bot.
type Manager struct {
	storage StorageProvider
	key     []byte
	retain  int
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a backup manager writing to storage.
func NewManager(storage StorageProvider, config Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	m := &Manager{
		storage: storage,
		retain:  config.Retain,
		logger:  logger,
		now:     time.Now,
	}
	if m.retain <= 0 {
		m.retain = DefaultRetain
	}
	if config.EncryptionKey != "" {
		key := []byte(config.EncryptionKey)
		if len(key) != 32 {
			hash := sha256.Sum256(key)
			key = hash[:]
		}
		m.key = key
	}
	return m
}

func botPrefix(botID uint) string {
	return fmt.Sprintf("bots/%d/", botID)
}

// Archive stores a copy of an upload. It satisfies storage.Archiver.
func (m *Manager) Archive(ctx context.Context, botID uint, name string, data []byte) error {
	start := time.Now()
	status := "success"
	defer func() {
		backupDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		backupCount.WithLabelValues("archive", status).Inc()
	}()

	payload, err := m.seal(data)
	if err != nil {
		status = "error"
		return err
	}

	key := botPrefix(botID) + m.now().UTC().Format(keyTimeFormat) + "-" + sanitizeName(name) + ".gz"
	if err := m.storage.Upload(ctx, key, bytes.NewReader(payload), int64(len(payload))); err != nil {
		status = "error"
		return fmt.Errorf("upload backup: %w", err)
	}
	backupSize.Observe(float64(len(payload)))

	m.logger.Debug("source backup stored",
		zap.Uint("bot_id", botID),
		zap.String("key", key),
		zap.Int("bytes", len(payload)),
	)

	if err := m.prune(ctx, botID); err != nil {
		m.logger.Warn("failed to prune old backups", zap.Uint("bot_id", botID), zap.Error(err))
	}
	return nil
}

// List returns the bot's backup keys, oldest first.
func (m *Manager) List(ctx context.Context, botID uint) ([]string, error) {
	return m.storage.List(ctx, botPrefix(botID))
}

// Open returns the original upload stored under key.
func (m *Manager) Open(ctx context.Context, key string) ([]byte, error) {
	if !strings.HasPrefix(key, "bots/") {
		return nil, ErrNotFound
	}
	var buf bytes.Buffer
	if err := m.storage.Download(ctx, key, &buf); err != nil {
		return nil, err
	}
	return m.unseal(buf.Bytes())
}

// Purge removes every backup of a bot. It satisfies bots.SourceBackups.
func (m *Manager) Purge(ctx context.Context, botID uint) error {
	keys, err := m.List(ctx, botID)
	if err != nil {
		backupCount.WithLabelValues("purge", "error").Inc()
		return fmt.Errorf("list backups: %w", err)
	}
	var firstErr error
	for _, key := range keys {
		if err := m.storage.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		backupCount.WithLabelValues("purge", "error").Inc()
		return fmt.Errorf("delete backup: %w", firstErr)
	}
	backupCount.WithLabelValues("purge", "success").Inc()
	return nil
}

// prune deletes the oldest copies beyond the retention limit. Keys sort by
// timestamp, so lexical order is age order.
func (m *Manager) prune(ctx context.Context, botID uint) error {
	keys, err := m.List(ctx, botID)
	if err != nil {
		return err
	}
	if len(keys) <= m.retain {
		return nil
	}
	for _, key := range keys[:len(keys)-m.retain] {
		if err := m.storage.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// seal compresses data and encrypts it when a key is configured.
func (m *Manager) seal(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := gw.Write(data); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("compress backup: %w", err)
	}
	if m.key == nil {
		return buf.Bytes(), nil
	}

	gcm, err := m.cipher()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, buf.Bytes(), nil), nil
}

func (m *Manager) unseal(payload []byte) ([]byte, error) {
	if m.key != nil {
		gcm, err := m.cipher()
		if err != nil {
			return nil, err
		}
		nonceSize := gcm.NonceSize()
		if len(payload) < nonceSize {
			return nil, fmt.Errorf("ciphertext too short")
		}
		nonce, ciphertext := payload[:nonceSize], payload[nonceSize:]
		payload, err = gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypt backup: %w", err)
		}
	}

	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("decompress backup: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func (m *Manager) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sanitizeName keeps the base name of an upload safe for object keys.
func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 || name == "." || name == "/" {
		return "upload"
	}
	return b.String()
}

// OriginalName recovers the uploaded file name from a backup object name.
func OriginalName(objectName string) string {
	name := strings.TrimSuffix(path.Base(objectName), ".gz")
	if i := strings.IndexByte(name, '-'); i > 0 && strings.HasSuffix(name[:i], "Z") {
		return name[i+1:]
	}
	return name
}
