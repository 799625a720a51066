// Package install materializes the payload onto disk and reverses that work.
//
// The installer is deliberately not transactional: each step runs once, the
// first error aborts with the failing path, and any partial state left behind
// is the uninstaller's problem — every one of its steps tolerates absence.
package install

import (
	"fmt"
	"log"
	"os"

	"github.com/ianremillard/thunder/internal/manifest"
)

// DefaultInstallRoot is where the payload lives on a real host.
const DefaultInstallRoot = "/opt/thunder"

// Installer performs the privileged install steps for a validated manifest.
type Installer struct {
	Ops         SysOps
	Registrar   ServiceRegistrar
	InstallRoot string

	// ExecPath is registered as the boot-time service entry point.
	// Defaults to the current executable.
	ExecPath string
}

// NewInstaller returns an Installer wired to the host.
func NewInstaller() *Installer {
	return &Installer{
		Ops:         Host(),
		Registrar:   Systemd(),
		InstallRoot: DefaultInstallRoot,
	}
}

// Run executes the install steps in order: directories, payload extraction,
// ownership, bind mount, service registration.  Service registration is
// best-effort; everything else aborts on first error.
func (in *Installer) Run(cfg manifest.Config) error {
	for _, dir := range []string{
		in.InstallRoot,
		cfg.ConfigPath,
		cfg.DownloadPath,
		cfg.MountBindDownloadPath,
	} {
		if err := in.Ops.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if cfg.Package != "" {
		if err := extractPackage(cfg.Package, in.InstallRoot); err != nil {
			return err
		}
	}

	for _, dir := range []string{in.InstallRoot, cfg.ConfigPath, cfg.DownloadPath} {
		if err := in.Ops.ChownRecursive(dir, cfg.UID, cfg.GID); err != nil {
			return fmt.Errorf("chown %s: %w", dir, err)
		}
	}

	if err := in.Ops.BindMount(cfg.DownloadPath, cfg.MountBindDownloadPath); err != nil {
		return err
	}

	execPath := in.ExecPath
	if execPath == "" {
		var err error
		execPath, err = os.Executable()
		if err != nil {
			log.Printf("warning: cannot resolve executable path, skipping service registration: %v", err)
			return nil
		}
	}
	if err := in.Registrar.Register(execPath); err != nil {
		log.Printf("warning: service registration failed: %v", err)
	}
	return nil
}
