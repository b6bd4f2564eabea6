package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/classpair/classpair/internal/appdata"
	"github.com/classpair/classpair/internal/config"
	"github.com/classpair/classpair/internal/device"
	"github.com/classpair/classpair/internal/logger"
	"github.com/classpair/classpair/internal/output"
	"github.com/classpair/classpair/internal/pairing"
	"github.com/classpair/classpair/internal/protocol"
	"github.com/classpair/classpair/internal/session"
	"github.com/classpair/classpair/internal/store"
)

var version = pairing.AppVersion

type app struct {
	cfg       *config.Config
	store     store.Store
	identity  *store.DeviceIdentity
	formatter *output.Formatter
}

func main() {
	formatter := output.NewFormatter()

	var (
		configPath string
		verbose    bool
		quiet      bool
		noColor    bool
	)

	var a *app

	rootCmd := &cobra.Command{
		Use:     "classpair",
		Short:   "Peer-to-peer classroom data sync",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			formatter.SetFlags(verbose, quiet, noColor)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose && cfg.Logging.Level == "error" {
				cfg.Logging.Level = "debug"
			}
			if err := logger.Init(&cfg.Logging); err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(&store.Options{
				Path:            cfg.Storage.Path,
				CreateIfMissing: true,
			})
			if err != nil {
				return err
			}

			identity, err := device.NewManager(cfg, st).EnsureIdentity()
			if err != nil {
				st.Close()
				return err
			}

			a = &app{cfg: cfg, store: st, identity: identity, formatter: formatter}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil && a.store != nil {
				_ = a.store.Close()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(
		initCmd(&a),
		hostCmd(&a),
		joinCmd(&a),
		devicesCmd(&a),
		unpairCmd(&a),
		statusCmd(&a),
	)

	if err := rootCmd.Execute(); err != nil {
		formatter.Error("%v", err)
		os.Exit(1)
	}
}

func initCmd(a **app) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create or show this device's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := *a
			if name != "" {
				identity, err := device.NewManager(app.cfg, app.store).UpdateSettings(name, "", 0)
				if err != nil {
					return err
				}
				app.identity = identity
			}
			app.formatter.Success("Device ready")
			app.formatter.Plain("  id:     %s", app.identity.DeviceID)
			app.formatter.Plain("  name:   %s", app.identity.DeviceName)
			app.formatter.Plain("  policy: %s", app.identity.ConflictResolution)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "set the device display name")
	return cmd
}

func hostCmd(a **app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Offer a pairing code and wait for a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := *a

			pairRequests := make(chan session.PeerInfo, 1)
			sess, err := newSession(app, sessionCallbacks(app, pairRequests))
			if err != nil {
				return err
			}
			defer sess.Close()

			if port == 0 {
				port = app.identity.DiscoveryPort
			}
			code, err := sess.HostPairing(port)
			if err != nil {
				return err
			}

			app.formatter.Info("Share this pairing code with the joining device (valid %s):", pairing.SessionTTL)
			app.formatter.Code(code)
			app.formatter.Info("Waiting for a peer...")

			return runUntilInterrupted(app, sess, pairRequests)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (defaults to the configured discovery port)")
	return cmd
}

func joinCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "join <pairing-code>",
		Short: "Connect to a hosting device using its pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := *a

			sess, err := newSession(app, sessionCallbacks(app, nil))
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.JoinWithOffer(strings.TrimSpace(args[0])); err != nil {
				return err
			}
			app.formatter.Info("Connected; waiting for the host to accept...")

			return runUntilInterrupted(app, sess, nil)
		},
	}
}

func devicesCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := *a
			devices, err := app.store.ListPairedDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				app.formatter.Info("No paired devices")
				return nil
			}
			for _, d := range devices {
				lastSync := "never"
				if d.LastSyncAt != nil {
					lastSync = time.UnixMilli(*d.LastSyncAt).Format(time.RFC3339)
				}
				app.formatter.Plain("%s  %s  paired %s  last sync %s",
					d.ID, d.Name,
					time.UnixMilli(d.PairedAt).Format(time.RFC3339),
					lastSync)
			}
			return nil
		},
	}
}

func unpairCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "unpair <device-id>",
		Short: "Forget a paired device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := *a
			if err := app.store.RemovePairedDevice(args[0]); err != nil {
				return err
			}
			app.formatter.Success("Unpaired %s", args[0])
			return nil
		},
	}
}

func statusCmd(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device and dataset status",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := *a
			snapshot, err := loadSnapshot(app.cfg)
			if err != nil {
				return err
			}
			clock, err := app.store.GetVectorClock()
			if err != nil {
				return err
			}
			stats := snapshot.Stats()
			app.formatter.Plain("device:         %s (%s)", app.identity.DeviceName, app.identity.DeviceID)
			app.formatter.Plain("classes:        %d", stats.Classes)
			app.formatter.Plain("students:       %d", stats.Students)
			app.formatter.Plain("participations: %d", stats.Participations)
			app.formatter.Plain("clock entries:  %d", len(clock))
			return nil
		},
	}
}

// newSession wires a Session to the CLI's file-backed dataset.
func newSession(app *app, callbacks session.Callbacks) (*session.Session, error) {
	snapshot, err := loadSnapshot(app.cfg)
	if err != nil {
		return nil, err
	}

	return session.New(session.Options{
		Identity: app.identity,
		Store:    app.store,
		Config:   app.cfg,
		Snapshot: func() *appdata.Snapshot {
			return snapshot
		},
		ApplySnapshot: func(merged *appdata.Snapshot) error {
			snapshot = merged
			return saveSnapshot(app.cfg, merged)
		},
		Callbacks: callbacks,
	})
}

// sessionCallbacks builds the callback set used by host and join commands.
func sessionCallbacks(app *app, pairRequests chan session.PeerInfo) session.Callbacks {
	return session.Callbacks{
		OnStateChange: func(state session.State) {
			app.formatter.Verbose("session state: %s", state)
		},
		OnPairRequest: func(peer session.PeerInfo) {
			app.formatter.Info("Pairing request from %s (%s)", peer.DeviceName, peer.DeviceID)
			if pairRequests != nil {
				select {
				case pairRequests <- peer:
				default:
				}
			}
		},
		OnFirstSyncStats: func(stats protocol.DataStats) {
			app.formatter.Info("Peer requests first sync: %d classes, %d students, %d participations",
				stats.Classes, stats.Students, stats.Participations)
			app.formatter.Info("Choose with: local (keep ours) / remote (adopt theirs)")
		},
		OnSyncCompleted: func() {
			app.formatter.Success("Sync completed")
		},
		OnError: func(err error) {
			app.formatter.Error("session error: %v", err)
		},
	}
}

// runUntilInterrupted drives an interactive session from stdin until the
// user quits or the process is signalled.
func runUntilInterrupted(app *app, sess *session.Session, pairRequests chan session.PeerInfo) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
		close(lines)
	}()

	app.formatter.Info("Commands: accept, reject, sync, local, remote, status, quit")

	for {
		select {
		case <-sigCh:
			return sess.Disconnect()
		case peer := <-orNilPeer(pairRequests):
			app.formatter.Info("Type 'accept' to pair with %s or 'reject' to decline", peer.DeviceName)
		case line, ok := <-lines:
			if !ok {
				return sess.Disconnect()
			}
			switch line {
			case "accept":
				reportErr(app, sess.AcceptPairing())
			case "reject":
				reportErr(app, sess.RejectPairing())
			case "sync":
				reportErr(app, sess.RequestSync())
			case "local":
				reportErr(app, sess.ChooseFirstSync(protocol.ChoiceLocal))
			case "remote":
				reportErr(app, sess.ChooseFirstSync(protocol.ChoiceRemote))
			case "status":
				status := sess.Status()
				app.formatter.Plain("state=%s role=%s", status.State, status.Role)
				if status.Peer != nil {
					app.formatter.Plain("peer=%s (%s)", status.Peer.DeviceName, status.Peer.DeviceID)
				}
			case "quit", "exit":
				return sess.Disconnect()
			case "":
			default:
				app.formatter.Warning("unknown command %q", line)
			}
		}
	}
}

func orNilPeer(ch chan session.PeerInfo) <-chan session.PeerInfo {
	if ch == nil {
		return nil
	}
	return ch
}

func reportErr(app *app, err error) {
	if err != nil {
		app.formatter.Error("%v", err)
	}
}

// loadSnapshot reads the CLI's file-backed dataset, empty when absent.
func loadSnapshot(cfg *config.Config) (*appdata.Snapshot, error) {
	path := snapshotPath(cfg)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &appdata.Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var snapshot appdata.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("corrupt dataset file %s: %w", path, err)
	}
	return &snapshot, nil
}

// saveSnapshot writes the dataset atomically next to the store.
func saveSnapshot(cfg *config.Config, snapshot *appdata.Snapshot) error {
	path := snapshotPath(cfg)
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize dataset: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return os.Rename(tmp, path)
}

func snapshotPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.Path), "appdata.json")
}
