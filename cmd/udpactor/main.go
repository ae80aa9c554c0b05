// Package main provides the CLI entry point for udpactor.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/udpactor/internal/agent"
	"github.com/postalsys/udpactor/internal/bus"
	"github.com/postalsys/udpactor/internal/config"
	"github.com/postalsys/udpactor/internal/logging"
	"github.com/postalsys/udpactor/internal/udp"
	"github.com/postalsys/udpactor/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udpactor",
		Short: "udpactor - UDP sockets as actors",
		Long: `udpactor runs UDP sockets as independent actors.

Each socket binds with address and port reuse, publishes every received
datagram to an event bus with any number of subscribers, and sends
datagrams queued by any caller in order.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(sendCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file",
		Long: `Create a configuration file. On a terminal an interactive wizard asks
for sockets and options; otherwise the defaults are written.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if term.IsTerminal(int(os.Stdin.Fd())) {
				_, err := wizard.NewWithOptions(wizard.Options{
					ConfigPath: configPath,
					Force:      force,
				}).Run()
				return err
			}
			return writeDefaultConfig(cmd.OutOrStdout(), configPath, force)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", wizard.DefaultConfigPath, "Path of the configuration file to create")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

// writeDefaultConfig writes the default configuration to path.
func writeDefaultConfig(out io.Writer, path string, force bool) error {
	if err := wizard.CheckTarget(path, force); err != nil {
		return err
	}
	if err := wizard.WriteConfig(config.Default(), path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Default configuration written to %s\n", path)
	return nil
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sockets from a configuration file",
		Long:  "Open every configured socket and log all events until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			fmt.Printf("Starting udpactor agent...\n")

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			stats := a.Stats()
			for _, s := range stats.Sockets {
				fmt.Printf("Socket: %s bound to %s\n", s.Address, s.LocalAddr)
			}
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Health: http://%s/healthz\n", addr)
			}
			fmt.Printf("Status: running (sockets: %d)\n", stats.OpenSockets)

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := a.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Agent stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func listenCmd() *cobra.Command {
	var (
		addr     string
		count    int
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print datagrams received on an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLogger(logLevel, "text")
			s := udp.Open(udp.Config{Address: addr}, logger)
			defer s.Close()

			sub := s.Subscribe()
			defer sub.Close()

			if err := waitBound(s); err != nil {
				return err
			}

			out := newPrinter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
			out.listening(s.LocalAddr())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var received, total int
			for count <= 0 || received < count {
				ev, err := sub.Recv(ctx)
				if err != nil {
					var lagged *bus.LaggedError
					if errors.As(err, &lagged) {
						out.lagged(lagged.Missed)
						continue
					}
					if errors.Is(err, bus.ErrClosed) || errors.Is(err, context.Canceled) {
						break
					}
					return err
				}

				switch ev.Kind {
				case udp.EventData:
					received++
					total += ev.Datagram.Len()
					out.datagram(ev.Datagram)
				case udp.EventClose:
					if ev.Err != nil {
						return fmt.Errorf("socket closed: %w", ev.Err)
					}
				}
			}

			out.summary(received, total)
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "0.0.0.0:9000", "Local address to bind")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many datagrams (0 = unlimited)")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

func sendCmd() *cobra.Command {
	var (
		from     string
		to       string
		asJSON   bool
		wait     time.Duration
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send one datagram",
		Long: `Send the arguments, joined by spaces, as one datagram. With --json the
message is parsed as JSON and re-encoded. With --wait the first reply is
printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to is required")
			}

			d, err := buildDatagram(strings.Join(args, " "), to, asJSON)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(logLevel, "text")
			s := udp.Open(udp.Config{Address: from}, logger)
			defer s.Close()

			sub := s.Subscribe()
			defer sub.Close()

			if err := waitBound(s); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			n, err := s.SendSync(ctx, d)
			if err != nil {
				return err
			}

			out := newPrinter(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())))
			out.sent(n, s.LocalAddr(), d.Peer)

			if wait <= 0 {
				return nil
			}

			waitCtx, waitCancel := context.WithTimeout(context.Background(), wait)
			defer waitCancel()

			for {
				ev, err := sub.Recv(waitCtx)
				if err != nil {
					if errors.Is(err, context.DeadlineExceeded) {
						return fmt.Errorf("no reply within %s", wait)
					}
					return err
				}
				if ev.Kind == udp.EventData {
					out.datagram(ev.Datagram)
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&from, "from", "0.0.0.0:0", "Local address to bind")
	cmd.Flags().StringVar(&to, "to", "", "Destination host:port")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Treat the message as JSON")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait this long for a reply")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	return cmd
}

// buildDatagram creates the datagram for the send command.
func buildDatagram(message, to string, asJSON bool) (udp.Datagram, error) {
	if !asJSON {
		return udp.ResolveDatagram([]byte(message), to)
	}

	var v any
	if err := json.Unmarshal([]byte(message), &v); err != nil {
		return udp.Datagram{}, fmt.Errorf("invalid JSON message: %w", err)
	}
	return udp.EncodeJSON(v, to)
}

// waitBound blocks until s is bound or has failed to bind.
func waitBound(s *udp.Socket) error {
	select {
	case <-s.Ready():
		return nil
	case <-s.Done():
		if err := s.Err(); err != nil {
			return err
		}
		return udp.ErrClosed
	}
}
