package install

import (
	"log"

	"github.com/ianremillard/thunder/internal/manifest"
)

// Uninstaller reverses the Installer's effects.  Every step is idempotent
// and logs-but-continues on error, so a half-finished install — or a second
// uninstall — can always be cleaned up.
type Uninstaller struct {
	Ops         SysOps
	Registrar   ServiceRegistrar
	InstallRoot string
	Store       *manifest.Store
}

// NewUninstaller returns an Uninstaller wired to the host.
func NewUninstaller(store *manifest.Store) *Uninstaller {
	return &Uninstaller{
		Ops:         Host(),
		Registrar:   Systemd(),
		InstallRoot: DefaultInstallRoot,
		Store:       store,
	}
}

// Run tears down the install.  cfg may be nil when the manifest is missing
// or unreadable; the mount-dependent step is skipped in that case.
func (un *Uninstaller) Run(cfg *manifest.Config) error {
	if cfg != nil && cfg.MountBindDownloadPath != "" {
		mounted, err := un.Ops.IsMounted(cfg.MountBindDownloadPath)
		if err != nil {
			log.Printf("warning: cannot check mount %s: %v", cfg.MountBindDownloadPath, err)
		} else if mounted {
			if err := un.Ops.Unmount(cfg.MountBindDownloadPath); err != nil {
				log.Printf("warning: %v", err)
			}
		}
	}

	if err := un.Registrar.Unregister(); err != nil {
		log.Printf("warning: service removal failed: %v", err)
	}

	if err := un.Ops.RemoveAll(un.InstallRoot); err != nil {
		log.Printf("warning: remove %s: %v", un.InstallRoot, err)
	}

	if err := un.Store.Remove(); err != nil {
		log.Printf("warning: %v", err)
	}
	return nil
}
