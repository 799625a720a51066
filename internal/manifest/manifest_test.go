package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return &Store{Path: filepath.Join(t.TempDir(), ".thunder")}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := tempStore(t)

	in := Config{
		UID:                   1000,
		GID:                   1000,
		ConfigPath:            "/etc/x",
		DownloadPath:          "/srv/x",
		MountBindDownloadPath: "/mnt/x",
		Package:               "/tmp/pkg.tar", // must not survive the round trip
	}
	require.NoError(t, s.Write(in))

	out, err := s.Read()
	require.NoError(t, err)

	in.Package = ""
	assert.Equal(t, in, out)
}

func TestWriteFileContents(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Write(Config{
		UID:                   1000,
		GID:                   1000,
		ConfigPath:            "/etc/x",
		DownloadPath:          "/srv/x",
		MountBindDownloadPath: "/mnt/x",
	}))

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t,
		"uid=1000\ngid=1000\nconfig_path=/etc/x\ndownload_path=/srv/x\nmount_bind_download_path=/mnt/x\n",
		string(data))
}

func TestWriteAlreadyInstalled(t *testing.T) {
	s := tempStore(t)
	cfg := Config{ConfigPath: "/a", DownloadPath: "/b", MountBindDownloadPath: "/c"}
	require.NoError(t, s.Write(cfg))

	err := s.Write(Config{ConfigPath: "/x", DownloadPath: "/y", MountBindDownloadPath: "/z"})
	assert.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestReadNotInstalled(t *testing.T) {
	s := tempStore(t)
	_, err := s.Read()
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestReadToleratesBlanksAndUnknownKeys(t *testing.T) {
	s := tempStore(t)
	raw := "uid=42\n\n# not a key\nfuture_option=whatever\ngid=7\nconfig_path=/etc/x\n"
	require.NoError(t, os.WriteFile(s.Path, []byte(raw), 0o644))

	cfg, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), cfg.UID)
	assert.Equal(t, uint32(7), cfg.GID)
	assert.Equal(t, "/etc/x", cfg.ConfigPath)
	// Keys absent from the file keep their zero value.
	assert.Empty(t, cfg.DownloadPath)
	assert.Empty(t, cfg.MountBindDownloadPath)
}

func TestReadPartialManifestFromCrashedInstall(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, os.WriteFile(s.Path, []byte("uid=0\ngid=0\n"), 0o644))

	cfg, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, Config{}, cfg)
}

func TestReadBadUID(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, os.WriteFile(s.Path, []byte("uid=root\n"), 0o644))

	_, err := s.Read()
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotInstalled))
}

func TestRemoveIdempotent(t *testing.T) {
	s := tempStore(t)
	require.NoError(t, s.Write(Config{ConfigPath: "/a", DownloadPath: "/b", MountBindDownloadPath: "/c"}))

	assert.NoError(t, s.Remove())
	assert.NoError(t, s.Remove())

	// A fresh Write succeeds again after Remove.
	assert.NoError(t, s.Write(Config{ConfigPath: "/a", DownloadPath: "/b", MountBindDownloadPath: "/c"}))
}

func TestValidate(t *testing.T) {
	ok := Config{ConfigPath: "/etc/x", DownloadPath: "/srv/x", MountBindDownloadPath: "/mnt/x"}
	assert.NoError(t, ok.Validate())

	rel := ok
	rel.DownloadPath = "srv/x"
	assert.Error(t, rel.Validate())

	dup := ok
	dup.MountBindDownloadPath = "/srv/x/"
	assert.Error(t, dup.Validate(), "paths differing only by a trailing slash are the same path")
}
