// Package main implements the driftproxy server CLI.
package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"driftproxy/pkg/config"
	"driftproxy/pkg/proxy/server"
	"driftproxy/pkg/proxy/session"
	"driftproxy/pkg/resolver"
	"driftproxy/pkg/tlsconf"
	"driftproxy/pkg/upstream"
)

// CLI banner with version.
const banner = `
     _      _  __ _
  __| |_ __(_)/ _| |_ _ __  _ __ _____  ___   _
 / _' | '__| |  _| __| '_ \| '__/ _ \ \/ / | | |
| (_| | |  | | | | |_| |_) | | | (_) >  <| |_| |
 \__,_|_|  |_|_|  \__| .__/|_|  \___/_/\_\\__, |
                     |_|                  |___/

   Multi-protocol forward proxy (v1.0)
   -----------------------------------

`

// Global state.
var (
	cfg     *config.Config
	oneShot bool

	runMu      sync.Mutex
	runningSrv *server.Server
)

func main() {
	oneShot = hasCommandArg()

	app := setupCLI()
	AddCommands(app)

	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// hasCommandArg reports whether a command name appears on the command
// line, which selects grumble's one-shot execution instead of the
// interactive shell.
func hasCommandArg() bool {
	for _, arg := range os.Args[1:] {
		switch arg {
		case "run", "check", "sessions", "stop":
			return true
		}
	}
	return false
}

// setupCLI initializes the command-line interface with the global
// config flag and the OnInit hook that loads and validates it.
func setupCLI() *grumble.App {
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".driftproxy"
	} else {
		histFile = filepath.Join(home, ".driftproxy")
	}

	app := grumble.New(&grumble.Config{
		Name:        "driftproxy",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "driftproxy.yaml", "path to configuration file")
		},
	})

	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		var err error
		cfg, err = config.Load(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		configureLogging(cfg)
		return nil
	})

	return app
}

// configureLogging points the global logger at the console, a log
// file, or nothing, per the configuration.
func configureLogging(cfg *config.Config) {
	if cfg.DisableLogs {
		log.Logger = zerolog.Nop()
		return
	}
	if cfg.LogsPath != "" {
		f, err := os.OpenFile(cfg.LogsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			log.Logger = zerolog.New(f).With().Timestamp().Logger()
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			return
		}
		log.Warn().Err(err).Str("path", cfg.LogsPath).Msg("Cannot open log file, using console")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// buildServer assembles the resolver, upstream connector, TLS
// material, and server options from a validated configuration.
func buildServer(cfg *config.Config) (*server.Server, error) {
	res, err := resolver.New(cfg.DNSServer)
	if err != nil {
		return nil, err
	}

	connector := &upstream.Connector{
		ChainTLS:      cfg.NextProxyUseTLS,
		Scramble:      cfg.Scramble,
		NoiseLength:   cfg.NoiseLength,
		HappyEyeballs: cfg.HappyEyeballs,
		LocalIP:       cfg.LocalIP,
		Resolver:      res,
	}
	if cfg.NextProxy != "" {
		chain, err := upstream.ParseProxyURL(cfg.NextProxy)
		if err != nil {
			return nil, err
		}
		connector.Chain = chain
		if chain.Scheme == upstream.SchemeHTTPS || (chain.IsSocks() && cfg.NextProxyUseTLS) {
			tlsClient, err := tlsconf.ClientConfig(cfg.SSLSNI, true, "")
			if err != nil {
				return nil, err
			}
			connector.TLSClient = tlsClient
		}
	}

	var tlsServer *tls.Config
	if cfg.HasTLS() {
		tlsServer, err = tlsconf.ServerConfig(tlsconf.ServerOptions{
			CertDir:             cfg.SSLCertificateDir,
			CertFile:            cfg.SSLCertificate,
			KeyFile:             cfg.SSLCertificateKey,
			Password:            cfg.SSLCertificatePasswd,
			Ciphers:             cfg.SSLCiphers,
			PreferServerCiphers: cfg.SSLPreferServerCiphers,
		})
		if err != nil {
			return nil, err
		}
	}

	users := make([]session.Credential, 0, len(cfg.AuthUsers))
	for _, pair := range cfg.Users() {
		users = append(users, session.Credential{User: pair[0], Pass: pair[1]})
	}

	opts := server.Options{
		Listen:          cfg.ServerListen,
		ReusePort:       cfg.ReusePort,
		Scramble:        cfg.Scramble,
		NoiseLength:     cfg.NoiseLength,
		DisableSocks:    cfg.DisableSocks,
		DisableHTTP:     cfg.DisableHTTP,
		DisableInsecure: cfg.DisableInsecure,
		TLSServer:       tlsServer,
		Session: session.Options{
			Users:      users,
			DocRoot:    cfg.HTTPDoc,
			Autoindex:  cfg.Autoindex,
			DisableUDP: cfg.DisableUDP,
			UDPExpiry:  time.Duration(cfg.UDPExpiry) * time.Second,
		},
	}

	return server.New(opts, connector, log.Logger), nil
}

// AddCommands registers the run, check, sessions, and stop commands.
func AddCommands(app *grumble.App) {
	app.AddCommand(&grumble.Command{
		Name: "run",
		Help: "start the proxy server",
		Flags: func(f *grumble.Flags) {
			f.String("l", "listen", "", "override the listen address")
			f.String("d", "doc-root", "", "override the static file doc root")
			f.Bool("s", "scramble", false, "enable scramble obfuscation")
		},
		Run: func(c *grumble.Context) error {
			runMu.Lock()
			already := runningSrv != nil
			runMu.Unlock()
			if already {
				log.Warn().Msg("Proxy already running, use 'stop' first")
				return nil
			}

			effective := *cfg
			if listen := c.Flags.String("listen"); listen != "" {
				effective.ServerListen = listen
			}
			if docRoot := c.Flags.String("doc-root"); docRoot != "" {
				effective.HTTPDoc = docRoot
			}
			if c.Flags.Bool("scramble") {
				effective.Scramble = true
			}
			if err := effective.Validate(); err != nil {
				return err
			}

			srv, err := buildServer(&effective)
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}

			if !oneShot {
				runMu.Lock()
				runningSrv = srv
				runMu.Unlock()
				log.Info().Msg("Use 'sessions' to inspect and 'stop' to shut down")
				return nil
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			s := <-sig
			log.Info().Str("signal", s.String()).Msg("Shutting down")
			srv.Stop()
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "check",
		Aliases: []string{"test"},
		Help:    "validate the configuration and print the effective settings",
		Run: func(c *grumble.Context) error {
			// OnInit already loaded and validated; reaching this point
			// means the file parses. Print the resolved view.
			c.App.Println(renderConfigTable(cfg))
			log.Info().Msg("Configuration is valid")
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name:    "sessions",
		Aliases: []string{"ls"},
		Help:    "list live proxy sessions",
		Run: func(c *grumble.Context) error {
			runMu.Lock()
			srv := runningSrv
			runMu.Unlock()
			if srv == nil {
				log.Warn().Msg("Proxy is not running, use 'run' first")
				return nil
			}
			rows := srv.Snapshot()
			if len(rows) == 0 {
				log.Info().Msg("No live sessions")
				return nil
			}
			c.App.Println(renderSessionTable(rows))
			return nil
		},
	})

	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop the running proxy server",
		Run: func(c *grumble.Context) error {
			runMu.Lock()
			srv := runningSrv
			runningSrv = nil
			runMu.Unlock()
			if srv == nil {
				log.Warn().Msg("Proxy is not running")
				return nil
			}
			srv.Stop()
			return nil
		},
	})
}

// renderConfigTable formats the effective configuration for check.
func renderConfigTable(cfg *config.Config) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Setting", "Value"})

	tlsState := "disabled"
	if cfg.HasTLS() {
		tlsState = "enabled"
	}
	auth := "anonymous"
	if n := len(cfg.AuthUsers); n > 0 {
		auth = fmt.Sprintf("%d users", n)
	}

	t.AppendRow(table.Row{"server_listen", cfg.ServerListen})
	t.AppendRow(table.Row{"reuse_port", cfg.ReusePort})
	t.AppendRow(table.Row{"happy_eyeballs", cfg.HappyEyeballs})
	t.AppendRow(table.Row{"local_ip", cfg.LocalIP})
	t.AppendRow(table.Row{"auth", auth})
	t.AppendRow(table.Row{"next_proxy", cfg.NextProxy})
	t.AppendRow(table.Row{"dns_server", cfg.DNSServer})
	t.AppendRow(table.Row{"tls", tlsState})
	t.AppendRow(table.Row{"http_doc", cfg.HTTPDoc})
	t.AppendRow(table.Row{"autoindex", cfg.Autoindex})
	t.AppendRow(table.Row{"disable_http", cfg.DisableHTTP})
	t.AppendRow(table.Row{"disable_socks", cfg.DisableSocks})
	t.AppendRow(table.Row{"disable_insecure", cfg.DisableInsecure})
	t.AppendRow(table.Row{"disable_udp", cfg.DisableUDP})
	t.AppendRow(table.Row{"scramble", cfg.Scramble})
	t.AppendRow(table.Row{"noise_length", cfg.NoiseLength})
	t.AppendRow(table.Row{"udp_expiry", fmt.Sprintf("%ds", cfg.UDPExpiry)})

	return t.Render()
}

// renderSessionTable formats the live-session snapshot.
func renderSessionTable(rows []server.SessionInfo) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Client", "Protocol", "Sent", "Received", "Age"})

	for _, r := range rows {
		t.AppendRow(table.Row{
			r.ID,
			r.Remote,
			r.Protocol,
			r.ToRemote,
			r.ToClient,
			r.Age.Truncate(time.Second).String(),
		})
	}
	return t.Render()
}
