package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/anselm-vey/roost/internal/transport"
	"github.com/anselm-vey/roost/internal/wire"
	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// attachCmd implements `roost attach`: dial the daemon's websocket
// endpoint, subscribe to an instance's output, and ferry the local
// terminal's stdin/stdout through the Subscribe/Input/Resize/Keyframe/
// Delta wire contract (spec.md §6.1), spawning a fresh instance first if
// --spawn is given.
//
// Grounded on the reference's eggSpawn (cmd/wt/egg.go): term.GetSize for
// the initial viewport, term.MakeRaw/term.Restore around the session,
// SIGWINCH handling that re-reads the terminal size and sends a resize,
// and two goroutines ferrying stdin to the remote and remote output to
// stdout.
func attachCmd() *cobra.Command {
	var spawn bool
	var command string
	var cwd string
	var token string

	cmd := &cobra.Command{
		Use:   "attach [instance-id]",
		Short: "Attach the local terminal to an instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := resolveDataDir()
			if err != nil {
				return err
			}

			var instanceID string
			switch {
			case spawn:
				if command == "" {
					return newUsageError("--spawn requires --command")
				}
				inst, err := controlClient(dataDir).Spawn(transport.SpawnRequest{
					Command: strings.Fields(command),
					Cwd:     cwd,
					Rows:    24,
					Cols:    80,
				})
				if err != nil {
					return fmt.Errorf("spawn instance: %w", err)
				}
				instanceID = inst.ID
				fmt.Fprintf(cmd.ErrOrStderr(), "spawned %s (%s)\n", inst.ID, inst.Name)
			case len(args) == 1:
				instanceID = args[0]
			default:
				return newUsageError("attach requires an instance id, or --spawn --command \"...\"")
			}

			port, err := readServerPort(dataDir)
			if err != nil {
				return err
			}

			return runAttach(cmd, dataDir, port, instanceID, token)
		},
	}

	cmd.Flags().BoolVar(&spawn, "spawn", false, "spawn a new instance before attaching")
	cmd.Flags().StringVar(&command, "command", "", "command line for --spawn (space-separated)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory for --spawn")
	cmd.Flags().StringVar(&token, "token", "", "bearer session token (default: $ROOST_TOKEN)")
	return cmd
}

func runAttach(cmd *cobra.Command, dataDir string, port int, instanceID, token string) error {
	if token == "" {
		token = os.Getenv("ROOST_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer ws.CloseNow()

	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	raw := term.IsTerminal(fd)
	if raw {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
		}
	}

	sub, _ := json.Marshal(wire.Subscribe{
		Envelope:   wire.Envelope{Type: wire.TypeSubscribe},
		InstanceID: instanceID,
	})
	if err := ws.Write(ctx, websocket.MessageText, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	resize, _ := json.Marshal(wire.Resize{
		Envelope: wire.Envelope{Type: wire.TypeResize},
		Rows:     rows, Cols: cols,
	})
	ws.Write(ctx, websocket.MessageText, resize)

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if !raw {
				continue
			}
			if w, h, err := term.GetSize(fd); err == nil {
				payload, _ := json.Marshal(wire.Resize{
					Envelope: wire.Envelope{Type: wire.TypeResize},
					Rows:     h, Cols: w,
				})
				ws.Write(ctx, websocket.MessageText, payload)
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- readLoop(ctx, ws, cmd.OutOrStdout()) }()

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				payload, _ := json.Marshal(wire.Input{
					Envelope: wire.Envelope{Type: wire.TypeInput},
					Bytes:    append([]byte(nil), buf[:n]...),
				})
				if werr := ws.Write(ctx, websocket.MessageText, payload); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}

func readLoop(ctx context.Context, ws *websocket.Conn, out interface{ Write([]byte) (int, error) }) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case wire.TypeKeyframe:
			var msg wire.Keyframe
			if json.Unmarshal(data, &msg) == nil {
				out.Write(msg.Payload)
			}
		case wire.TypeDelta:
			var msg wire.Delta
			if json.Unmarshal(data, &msg) == nil {
				out.Write(msg.Payload)
			}
		case wire.TypeLagged:
			fmt.Fprint(os.Stderr, "\r\n[roost: output lagged, some frames were skipped]\r\n")
		case wire.TypeError:
			var msg wire.ErrorMsg
			if json.Unmarshal(data, &msg) == nil {
				fmt.Fprintf(os.Stderr, "\r\n[roost: %s: %s]\r\n", msg.Kind, msg.Detail)
			}
		}
	}
}
