// thunder – installer and supervisor for the thunder download manager.
//
// Usage:
//
//	thunder install [flags] [package]   – install the payload onto this host
//	thunder uninstall                   – remove the installation
//	thunder run [flags]                 – run the service in the foreground
//	thunder start [flags]               – start the service in the background
//	thunder stop                        – stop the background service
//	thunder status                      – report whether the service is running
//	thunder log                         – follow the background service log
//
// Serve flags fall back to THUNDER_* environment variables, then to
// /etc/thunder/serve.yaml, when not given on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ianremillard/thunder/internal/daemon"
	"github.com/ianremillard/thunder/internal/install"
	"github.com/ianremillard/thunder/internal/manifest"
	"github.com/ianremillard/thunder/internal/serve"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "install":
		cmdInstall()
	case "uninstall":
		cmdUninstall()
	case "run":
		cmdRun()
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "log":
		cmdLog()
	default:
		fmt.Fprintf(os.Stderr, "thunder: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `thunder – install and supervise the thunder download manager

Commands:
  install [flags] [package]   Install the payload (directories, mount, service)
  uninstall                   Tear the installation down
  run [flags]                 Run payload + front-end in the foreground
  start [flags]               Start payload + front-end in the background
  stop                        Stop the background service
  status                      Report whether the service is running
  log                         Follow the background service log

Run "thunder <command> --help" for command flags.`)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "thunder: %v\n", err)
	os.Exit(1)
}

// ─── install / uninstall ──────────────────────────────────────────────────────

func cmdInstall() {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	uid := fs.Uint32P("uid", "U", envUint32("THUNDER_UID", 0), "uid that owns the installation")
	gid := fs.Uint32P("gid", "G", envUint32("THUNDER_GID", 0), "gid that owns the installation")
	configPath := fs.StringP("config-path", "c", "/etc/thunder", "payload configuration directory")
	downloadPath := fs.StringP("download-path", "d", "/var/lib/thunder/downloads", "where downloads land on disk")
	mountPath := fs.StringP("mount-bind-download-path", "m", "/opt/thunder/downloads", "bind-mount target the payload reads")
	fs.Parse(os.Args[2:])

	cfg := manifest.Config{
		UID:                   *uid,
		GID:                   *gid,
		ConfigPath:            *configPath,
		DownloadPath:          *downloadPath,
		MountBindDownloadPath: *mountPath,
	}
	if fs.NArg() > 0 {
		cfg.Package = fs.Arg(0)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}

	// The manifest is written first: a crash mid-install leaves a record
	// that uninstall can drive teardown from.
	store := manifest.New()
	if err := store.Write(cfg); err != nil {
		if errors.Is(err, manifest.ErrAlreadyInstalled) {
			fatal(fmt.Errorf("%w (run `thunder uninstall` first)", err))
		}
		fatal(err)
	}

	inst := install.NewInstaller()
	if err := inst.Run(cfg); err != nil {
		fatal(err)
	}

	fmt.Printf("installed (uid=%d gid=%d downloads=%s)\n", cfg.UID, cfg.GID, cfg.DownloadPath)
}

func cmdUninstall() {
	store := manifest.New()
	cfg, err := store.Read()
	if err != nil && !errors.Is(err, manifest.ErrNotInstalled) {
		fatal(err)
	}

	// With no manifest we still attempt a best-effort teardown of the
	// fixed locations; Run tolerates a nil config.
	var cfgPtr *manifest.Config
	if err == nil {
		cfgPtr = &cfg
	}

	if err := install.NewUninstaller(store).Run(cfgPtr); err != nil {
		fatal(err)
	}
	fmt.Println("uninstalled")
}

// ─── run / start ──────────────────────────────────────────────────────────────

// serveFlags parses the serve options for run/start with the precedence
// built-in < defaults file < environment < flag.
func serveFlags(name string, args []string) serve.Config {
	cfg, err := serve.LoadDefaults(serve.DefaultsPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Bind == "" {
		cfg.Bind = serve.DefaultBind
	}

	// Environment overrides the defaults file; flags override both by
	// becoming the flag defaults before Parse.
	cfg.Debug = envBool("THUNDER_DEBUG", cfg.Debug)
	cfg.AuthPassword = envOr("THUNDER_AUTH_PASS", cfg.AuthPassword)
	cfg.Bind = envOr("THUNDER_BIND", cfg.Bind)
	cfg.TLSCert = envOr("THUNDER_TLS_CERT", cfg.TLSCert)
	cfg.TLSKey = envOr("THUNDER_TLS_KEY", cfg.TLSKey)

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	debug := fs.Bool("debug", cfg.Debug, "log every proxied request")
	pass := fs.StringP("auth-password", "w", cfg.AuthPassword, "password gate for the front-end (empty disables)")
	bind := fs.StringP("bind", "B", cfg.Bind, "front-end listen address")
	cert := fs.StringP("tls-cert", "C", cfg.TLSCert, "TLS certificate path (requires --tls-key)")
	key := fs.StringP("tls-key", "K", cfg.TLSKey, "TLS private key path (requires --tls-cert)")
	fs.Parse(args)

	return serve.Config{
		Debug:        *debug,
		AuthPassword: *pass,
		Bind:         *bind,
		TLSCert:      *cert,
		TLSKey:       *key,
	}
}

func cmdRun() {
	cfg := serveFlags("run", os.Args[2:])

	m, err := manifest.New().Read()
	if err != nil {
		fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = serve.New(cfg, m).Run(ctx)
	var exitErr *serve.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "thunder: %v\n", exitErr)
		os.Exit(exitErr.Code)
	}
	if err != nil {
		fatal(err)
	}
}

func cmdStart() {
	// Validate everything in the parent so misconfiguration surfaces here,
	// not in a detached process's log file.
	cfg := serveFlags("start", os.Args[2:])
	if err := cfg.Validate(); err != nil {
		fatal(err)
	}
	if _, err := manifest.New().Read(); err != nil {
		fatal(err)
	}

	sup := daemon.New()
	pid, err := sup.Start(append([]string{"run"}, os.Args[2:]...))
	if err != nil {
		fatal(err)
	}
	fmt.Printf("started (pid %d, log %s)\n", pid, sup.LogFile)
}

// ─── stop / status / log ──────────────────────────────────────────────────────

func cmdStop() {
	if err := daemon.New().Stop(); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("thunder is not running")
			return
		}
		fatal(err)
	}
	fmt.Println("stopped")
}

func cmdStatus() {
	pid, running := daemon.New().Status()

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	if running {
		fmt.Printf("%s thunder (pid %d)\n", colorize("[RUNNING]", "32", tty), pid)
		return
	}
	fmt.Printf("%s thunder\n", colorize("[STOPPED]", "31", tty))
}

func cmdLog() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.New().Log(ctx, os.Stdout); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("thunder is not running")
			return
		}
		fatal(err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func colorize(s, code string, tty bool) string {
	if !tty {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envUint32(key string, def uint32) uint32 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		fatal(fmt.Errorf("bad %s value %q: %w", key, v, err))
	}
	return uint32(n)
}
