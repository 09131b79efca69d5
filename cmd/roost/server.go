package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/anselm-vey/roost/internal/broadcast"
	"github.com/anselm-vey/roost/internal/clientmux"
	"github.com/anselm-vey/roost/internal/config"
	"github.com/anselm-vey/roost/internal/identity"
	"github.com/anselm-vey/roost/internal/registry"
	"github.com/anselm-vey/roost/internal/repository/sqlitestore"
	"github.com/anselm-vey/roost/internal/statedetector"
	"github.com/anselm-vey/roost/internal/transport"
	"github.com/coder/websocket"
	"github.com/spf13/cobra"
)

// serverCmd implements `roost server`: the foreground daemon, grounded on
// cmd/wtd/main.go's cobra-root-with-flags plus signal.NotifyContext/errCh
// shutdown race. Unlike the reference's single relay.Server, this wires
// together every core layer (registry, broadcast hub, identity gate,
// sqlite repository, client multiplexer) plus the control socket the
// other CLI verbs talk to.
func serverCmd() *cobra.Command {
	var signingKey string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the roost daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}

			mgr, err := loadConfig(dataDir)
			if err != nil {
				return err
			}
			cfg := mgr.Get()

			watcher, err := config.NewWatcher(mgr, func(err error) {
				fmt.Fprintln(os.Stderr, "roost: config reload failed:", err)
			})
			if err != nil {
				return fmt.Errorf("start config watcher: %w", err)
			}
			defer watcher.Close()

			store, err := sqlitestore.Open(config.StorageFile(dataDir))
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			if signingKey == "" {
				signingKey = os.Getenv("ROOST_SIGNING_KEY")
			}
			gate, err := identity.New(identity.Config{
				AuthDisabled:       !cfg.Auth.Enabled,
				SigningKeyPEMOrDER: signingKey,
				Store:              store,
			})
			if err != nil {
				return fmt.Errorf("init identity gate: %w", err)
			}

			hub := broadcast.New()
			reg := registry.New(hub.LifecycleFunc)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mux := http.NewServeMux()
			mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
				handleWebsocket(ctx, w, r, gate, reg, hub)
			})
			httpSrv := &http.Server{Handler: mux}

			ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
			if err != nil {
				return fmt.Errorf("listen %s:%d: %w", cfg.Server.Host, cfg.Server.Port, err)
			}
			actualPort := ln.Addr().(*net.TCPAddr).Port

			if err := writePidFile(dataDir, actualPort); err != nil {
				return fmt.Errorf("write pidfile: %w", err)
			}
			defer os.Remove(config.PidFile(dataDir))

			ctrl := transport.NewServer(reg, controlSocketPath(dataDir), stop, transport.SpawnDefaults{
				MaxBufferBytes: cfg.Server.MaxBufferBytes,
				HangTimeout:    cfg.Server.HangTimeout,
				Patterns:       statedetector.DefaultPatterns(),
			})

			errCh := make(chan error, 2)
			go func() { errCh <- httpSrv.Serve(ln) }()
			go func() { errCh <- ctrl.ListenAndServe(ctx) }()

			fmt.Printf("roost server listening on %s:%d (profile=%s, auth=%v)\n",
				cfg.Server.Host, actualPort, cfg.Profile, cfg.Auth.Enabled)

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				reg.Shutdown(shutCtx, 8*time.Second)
				return httpSrv.Shutdown(shutCtx)
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().StringVar(&signingKey, "signing-key", "", "base64-DER or PEM EC signing key (default: generate ephemeral, or $ROOST_SIGNING_KEY)")
	return cmd
}

func handleWebsocket(ctx context.Context, w http.ResponseWriter, r *http.Request, gate *identity.Gate, reg *registry.Registry, hub *broadcast.Hub) {
	token := bearerToken(r)
	principal, err := gate.Admit(r.Context(), remoteAddrOf(r), token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer wsConn.CloseNow()

	conn := clientmux.New(wsConn, reg, hub, principal)
	defer conn.Close()
	conn.Serve(ctx)
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// remoteAddrOf resolves the connection's remote address for the Identity
// Gate's non-configurable loopback bypass, falling back to a non-loopback
// placeholder if RemoteAddr can't be parsed (fail closed).
func remoteAddrOf(r *http.Request) net.Addr {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return &net.TCPAddr{IP: net.IPv4(0, 0, 0, 0)}
	}
	p, _ := strconv.Atoi(port)
	return &net.TCPAddr{IP: net.ParseIP(host), Port: p}
}

func writePidFile(dataDir string, port int) error {
	content := fmt.Sprintf("%d\nport=%d\n", os.Getpid(), port)
	return os.WriteFile(config.PidFile(dataDir), []byte(content), 0644)
}

// readServerPort reads the port a running `roost server` bound, written
// into the pidfile so a local CLI client (e.g. `attach`) can dial the
// websocket endpoint directly without a control-socket round trip.
func readServerPort(dataDir string) (int, error) {
	data, err := os.ReadFile(config.PidFile(dataDir))
	if err != nil {
		return 0, fmt.Errorf("read pidfile (is `roost server` running?): %w", err)
	}
	var pid, port int
	if _, err := fmt.Sscanf(string(data), "%d\nport=%d\n", &pid, &port); err != nil {
		return 0, fmt.Errorf("parse pidfile %s: %w", config.PidFile(dataDir), err)
	}
	return port, nil
}
