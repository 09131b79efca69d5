// Command roost is the single binary spec.md §6 names: one executable
// with verbs server, attach, list, kill, kill-server, and auth.
//
// Grounded on the reference's cmd/wt/main.go (cobra root + subcommand
// construction) and cmd/wtd/main.go (the foreground-daemon verb's
// http.Server + signal.NotifyContext shutdown race, generalized here from
// a single hardcoded command into `server`).
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/anselm-vey/roost/internal/config"
	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/anselm-vey/roost/internal/transport"
	"github.com/spf13/cobra"
)

// Exit codes spec.md §6 assigns to the command-line surface.
const (
	exitSuccess            = 0
	exitGeneric            = 1
	exitUsage              = 2
	exitConnectivity       = 64
	exitNotFound           = 65
	exitStorageUnavailable = 70
)

var rootFlags struct {
	dataDir string
	profile string
}

func main() {
	root := &cobra.Command{
		Use:           "roost",
		Short:         "roost — shared, observable, multi-client terminal sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&rootFlags.dataDir, "data-dir", "", "data directory (default ~/.roost)")
	root.PersistentFlags().StringVar(&rootFlags.profile, "profile", "", "configuration profile: local, tunnel, or server")

	root.AddCommand(
		serverCmd(),
		attachCmd(),
		listCmd(),
		killCmd(),
		killServerCmd(),
		authCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "roost:", err)
		os.Exit(exitCodeFor(err))
	}
}

// usageError marks an error as a CLI usage mistake (spec.md §6's exit
// code 2), distinct from a runtime failure.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func newUsageError(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// exitCodeFor maps a CLI-surfaced error onto spec.md §6's exit code
// table. Connectivity failures (control socket or websocket dial errors)
// map to 64; not-found instance lookups to 65; storage-unavailable
// failures surfaced by the Repository Interface to 70; CLI usage
// mistakes to 2; anything else to the generic 1.
func exitCodeFor(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return exitUsage
	}

	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case 404:
			return exitNotFound
		case 503:
			return exitStorageUnavailable
		}
		return exitGeneric
	}

	if rerr.Is(err, rerr.KindNotFound) {
		return exitNotFound
	}
	if rerr.Is(err, rerr.KindStorageUnavailable) {
		return exitStorageUnavailable
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return exitConnectivity
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return exitConnectivity
	}

	return exitGeneric
}

// resolveDataDir applies rootFlags.dataDir over config.DefaultDataDir and
// ensures the directory (and its exports/logs subdirectories) exist.
func resolveDataDir() (string, error) {
	dir := rootFlags.dataDir
	if dir == "" {
		var err error
		dir, err = config.DefaultDataDir()
		if err != nil {
			return "", fmt.Errorf("resolve default data directory: %w", err)
		}
	}
	if err := config.EnsureDataDirs(dir); err != nil {
		return "", fmt.Errorf("ensure data directory %s: %w", dir, err)
	}
	return dir, nil
}

// controlSocketPath is the fixed control-socket path under a data
// directory, analogous to the other persisted-state paths in
// internal/config/paths.go.
func controlSocketPath(dataDir string) string {
	return filepath.Join(dataDir, "control.sock")
}

// loadConfig builds a config.Manager for dataDir, applying rootFlags.profile
// as a tier-5 flag override when set.
func loadConfig(dataDir string) (*config.Manager, error) {
	var flags config.FlagOverrides
	if rootFlags.profile != "" {
		p, err := config.ParseProfile(rootFlags.profile)
		if err != nil {
			return nil, newUsageError("--profile: %w", err)
		}
		flags.Profile = &p
	}
	mgr := config.NewManager(dataDir, flags)
	if err := mgr.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return mgr, nil
}

// controlClient builds a transport.Client against dataDir's control
// socket, used by attach/list/kill/kill-server.
func controlClient(dataDir string) *transport.Client {
	return transport.NewClient(controlSocketPath(dataDir))
}
