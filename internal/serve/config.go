package serve

import (
	"errors"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBind is the listener address used when nothing else is configured.
const DefaultBind = "0.0.0.0:5055"

// DefaultsPath is the optional operator defaults file consulted by
// run/start; flags and environment variables take precedence over it.
const DefaultsPath = "/etc/thunder/serve.yaml"

// ErrTLSMisconfigured is returned when exactly one of the TLS cert and key
// paths is set.
var ErrTLSMisconfigured = errors.New("tls misconfigured: --tls-cert and --tls-key must be provided together")

// Config holds the runtime options for the serve front-end.  It is never
// persisted; the yaml tags exist for the optional defaults file.
type Config struct {
	Debug        bool   `yaml:"debug"`
	AuthPassword string `yaml:"auth_password"`
	Bind         string `yaml:"bind"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`
}

// Validate checks the listener address and the TLS pairing invariant.
func (c Config) Validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return ErrTLSMisconfigured
	}
	if _, _, err := net.SplitHostPort(c.Bind); err != nil {
		return fmt.Errorf("bad bind address %q: %w", c.Bind, err)
	}
	return nil
}

// LoadDefaults reads the operator defaults file.  A missing file is not an
// error — it simply yields a zero Config.
func LoadDefaults(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
