package install

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// SysOps abstracts the privileged filesystem operations the installer and
// uninstaller perform, so tests can run them against a fake without root.
type SysOps interface {
	MkdirAll(path string, mode os.FileMode) error
	ChownRecursive(path string, uid, gid uint32) error
	BindMount(source, target string) error
	Unmount(target string) error
	IsMounted(target string) (bool, error)
	RemoveAll(path string) error
}

// hostOps is the real implementation operating on the host filesystem.
type hostOps struct{}

// Host returns the SysOps implementation backed by the host kernel.
func Host() SysOps { return hostOps{} }

func (hostOps) MkdirAll(path string, mode os.FileMode) error {
	return os.MkdirAll(path, mode)
}

func (hostOps) ChownRecursive(path string, uid, gid uint32) error {
	return filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		// Lchown so symlinks inside the payload tree are not followed.
		return os.Lchown(p, int(uid), int(gid))
	})
}

func (hostOps) BindMount(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s onto %s: %w", source, target, err)
	}
	return nil
}

func (hostOps) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}

// IsMounted reports whether target is a mount point by scanning
// /proc/self/mountinfo (field 5 is the mount point).
func (hostOps) IsMounted(target string) (bool, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return false, err
	}
	defer f.Close()

	clean := filepath.Clean(target)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 5 && fields[4] == clean {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func (hostOps) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
