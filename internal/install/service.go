package install

import (
	"fmt"
	"os"
	"os/exec"
	"text/template"
)

// ServiceRegistrar installs and removes the boot-time service definition
// that restarts the daemon after a reboot.
type ServiceRegistrar interface {
	// Register writes a unit that invokes execPath with `start` on boot.
	Register(execPath string) error
	// Unregister removes the unit.  Idempotent.
	Unregister() error
}

const (
	serviceName     = "thunder.service"
	defaultUnitPath = "/etc/systemd/system/" + serviceName
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=thunder download manager
After=network-online.target
Wants=network-online.target

[Service]
Type=forking
ExecStart={{.ExecStart}} start
ExecStop={{.ExecStart}} stop
Restart=on-failure
RestartSec=5s
LimitNOFILE=65536

[Install]
WantedBy=multi-user.target
`))

// systemdRegistrar writes a systemd unit and enables it with systemctl.
type systemdRegistrar struct {
	UnitPath string
}

// Systemd returns the registrar for systemd hosts.
func Systemd() ServiceRegistrar {
	return &systemdRegistrar{UnitPath: defaultUnitPath}
}

func (r *systemdRegistrar) Register(execPath string) error {
	f, err := os.Create(r.UnitPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", r.UnitPath, err)
	}
	data := struct{ ExecStart string }{ExecStart: execPath}
	if err := unitTemplate.Execute(f, data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", r.UnitPath, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if err := exec.Command("systemctl", "enable", serviceName).Run(); err != nil {
		return fmt.Errorf("systemctl enable %s: %w", serviceName, err)
	}
	return nil
}

func (r *systemdRegistrar) Unregister() error {
	// Best-effort disable; the unit may never have been enabled.
	_ = exec.Command("systemctl", "disable", serviceName).Run()

	if err := os.Remove(r.UnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", r.UnitPath, err)
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	return nil
}
