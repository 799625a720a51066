// Package manifest persists the install-time decisions to a small key=value
// file at /etc/.thunder.  The file is deliberately primitive: it is read from
// privileged contexts (uninstall without argv), must survive reboots, and has
// to be editable by an operator with nothing but a text editor.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPath is where the manifest lives on a real host.
const DefaultPath = "/etc/.thunder"

var (
	// ErrNotInstalled is returned when the manifest file does not exist.
	ErrNotInstalled = errors.New("thunder is not installed")
	// ErrAlreadyInstalled is returned when a manifest file already exists.
	ErrAlreadyInstalled = errors.New("thunder is already installed")
)

// Config records the choices made at install time.
type Config struct {
	UID                   uint32
	GID                   uint32
	ConfigPath            string
	DownloadPath          string
	MountBindDownloadPath string

	// Package is the optional archive the payload is installed from.
	// Transient: it is never written to or read from the manifest file.
	Package string
}

// Validate checks the invariant on the three paths: each must be absolute,
// and no two may be the same.
func (c Config) Validate() error {
	paths := map[string]string{
		"config-path":              c.ConfigPath,
		"download-path":            c.DownloadPath,
		"mount-bind-download-path": c.MountBindDownloadPath,
	}
	seen := make(map[string]string, len(paths))
	for name, p := range paths {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, p)
		}
		clean := filepath.Clean(p)
		if other, dup := seen[clean]; dup {
			return fmt.Errorf("%s and %s must be distinct paths (both %q)", name, other, clean)
		}
		seen[clean] = name
	}
	return nil
}

// Store owns the manifest file.  The zero value is not usable; construct
// with New (or set Path directly in tests).
type Store struct {
	Path string
}

// New returns a Store bound to the default manifest location.
func New() *Store {
	return &Store{Path: DefaultPath}
}

// Write creates the manifest file with exclusive-create semantics.  A
// pre-existing file means a prior install whose options must not be silently
// replaced, so it fails with ErrAlreadyInstalled; operators uninstall first.
func (s *Store) Write(cfg Config) error {
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (%s exists)", ErrAlreadyInstalled, s.Path)
		}
		return fmt.Errorf("create %s: %w", s.Path, err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "uid=%d\n", cfg.UID)
	fmt.Fprintf(w, "gid=%d\n", cfg.GID)
	fmt.Fprintf(w, "config_path=%s\n", cfg.ConfigPath)
	fmt.Fprintf(w, "download_path=%s\n", cfg.DownloadPath)
	fmt.Fprintf(w, "mount_bind_download_path=%s\n", cfg.MountBindDownloadPath)
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", s.Path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", s.Path, err)
	}
	return f.Close()
}

// Read parses the manifest file.  Blank lines and unknown keys are ignored;
// missing keys keep their zero value.  The Package field is always empty on
// read — it is an install-time argument, not persisted state.
func (s *Store) Read() (Config, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w (%s not found)", ErrNotInstalled, s.Path)
		}
		return Config{}, fmt.Errorf("open %s: %w", s.Path, err)
	}
	defer f.Close()

	var cfg Config
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		switch key {
		case "uid":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: bad uid %q: %w", s.Path, value, err)
			}
			cfg.UID = uint32(n)
		case "gid":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return Config{}, fmt.Errorf("parse %s: bad gid %q: %w", s.Path, value, err)
			}
			cfg.GID = uint32(n)
		case "config_path":
			cfg.ConfigPath = value
		case "download_path":
			cfg.DownloadPath = value
		case "mount_bind_download_path":
			cfg.MountBindDownloadPath = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return cfg, nil
}

// Remove deletes the manifest file.  Idempotent: a missing file is success.
func (s *Store) Remove() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", s.Path, err)
	}
	return nil
}
