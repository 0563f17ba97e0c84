package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bothost/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *LocalStorage) {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, cfg, zap.NewNop())

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return m, store
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	data := bytes.Repeat([]byte("print('hello')\n"), 200)

	for name, cfg := range map[string]Config{
		"plain":     {},
		"encrypted": {EncryptionKey: "correct horse battery staple"},
	} {
		t.Run(name, func(t *testing.T) {
			m, _ := newTestManager(t, cfg)
			require.NoError(t, m.Archive(ctx, 7, "bot.zip", data))

			keys, err := m.List(ctx, 7)
			require.NoError(t, err)
			require.Len(t, keys, 1)
			assert.True(t, strings.HasPrefix(keys[0], "bots/7/"))
			assert.True(t, strings.HasSuffix(keys[0], "-bot.zip.gz"))

			got, err := m.Open(ctx, keys[0])
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestArchiveIsCompressedAndEncrypted(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, Config{EncryptionKey: strings.Repeat("k", 32)})
	data := bytes.Repeat([]byte("SECRET_TOKEN=abc\n"), 100)
	require.NoError(t, m.Archive(ctx, 1, "main.py", data))

	keys, err := m.List(ctx, 1)
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(store.basePath, filepath.FromSlash(keys[0])))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data))
	assert.NotContains(t, string(raw), "SECRET_TOKEN")

	other := NewManager(store, Config{EncryptionKey: "another key"}, zap.NewNop())
	_, err = other.Open(ctx, keys[0])
	assert.Error(t, err, "a different key cannot decrypt")
}

func TestArchiveRetention(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{Retain: 3})

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Archive(ctx, 2, "bot.py", []byte{byte(i)}))
	}
	require.NoError(t, m.Archive(ctx, 3, "other.py", []byte("x")))

	keys, err := m.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, keys, 3)

	// The newest three survive.
	for i, key := range keys {
		got, err := m.Open(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i + 2)}, got)
	}

	others, err := m.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	require.NoError(t, m.Archive(ctx, 4, "a.py", []byte("a")))
	require.NoError(t, m.Archive(ctx, 4, "b.py", []byte("b")))
	require.NoError(t, m.Archive(ctx, 40, "c.py", []byte("c")))

	require.NoError(t, m.Purge(ctx, 4))
	keys, err := m.List(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// bots/40/ does not share a prefix with bots/4/.
	keys, err = m.List(ctx, 40)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, m.Purge(ctx, 999), "purging a bot without backups is a no-op")
}

func TestOpenRejectsForeignKeys(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	_, err := m.Open(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Open(ctx, "bots/1/missing.gz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../x", "bots/../../x", "/abs", "."} {
		err := store.Upload(ctx, key, strings.NewReader("x"), 1)
		assert.Error(t, err, key)
	}

	_, err = NewLocalStorage("")
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"bot.zip":           "bot.zip",
		"../../etc/passwd":  "passwd",
		`C:\bots\my bot.py`: "my_bot.py",
		"":                  "upload",
		"/":                 "upload",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeName(in), in)
	}
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	s, err := OpenStorage(ctx, &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, s)

	dir := t.TempDir()
	s, err = OpenStorage(ctx, &config.Config{LocalBackupDir: dir})
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	s, err = OpenStorage(ctx, &config.Config{
		BackupBucket:    "bot-backups",
		BackupRegion:    "us-east-1",
		BackupEndpoint:  "http://127.0.0.1:9000",
		BackupAccessKey: "minio",
		BackupSecretKey: "minio-secret",
	})
	require.NoError(t, err)
	assert.IsType(t, &S3Storage{}, s)
}

func TestOriginalName(t *testing.T) {
	assert.Equal(t, "bot.zip", OriginalName("20260301T120001.000000000Z-bot.zip.gz"))
	assert.Equal(t, "my-bot.py", OriginalName("bots/3/20260301T120001.000000000Z-my-bot.py.gz"))
	assert.Equal(t, "plain", OriginalName("plain.gz"))
}
