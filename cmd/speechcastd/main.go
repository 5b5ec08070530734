package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/speechcast/internal/audio"
	"github.com/loqalabs/speechcast/internal/config"
	"github.com/loqalabs/speechcast/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	serve := serveCmd()
	root := &cobra.Command{
		Use:           "speechcastd",
		Short:         "Stream live microphone transcription to TCP clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, devicesCmd(), listenCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Capture audio, transcribe it and serve the transcript stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
				return err
			}
			logger := runtime.NewLogger(cfg.Telemetry, os.Stdout, verbose)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.New(cfg, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults apply when empty)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	return cmd
}

func devicesCmd() *cobra.Command {
	var backend string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			devices, err := audio.ListDevices(ctx, backend)
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tDESCRIPTION")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\n", d.ID, d.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&backend, "backend", "b", config.Default().Audio.Backend, "Capture backend (arecord|pw-record)")
	return cmd
}

func listenCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to a running server and print received transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return listen(ctx, addr, cmd.OutOrStdout())
		},
	}
	def := config.Default().Server
	cmd.Flags().StringVarP(&addr, "addr", "a", net.JoinHostPort(def.Host, fmt.Sprint(def.Port)), "Server address")
	return cmd
}

// listen prints every chunk read from the server until the connection closes
// or ctx is done.
func listen(ctx context.Context, addr string, out io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	buf := make([]byte, 10*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			fmt.Fprintf(out, "Received: %q\n", buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
