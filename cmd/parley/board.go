package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
)

func newBoardCmd(configPath *string) *cobra.Command {
	var (
		listen  string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Serve the live transcript board",
		Long: "board keeps the latest transcript text posted by the relay and serves it to a display page. " +
			"Settings come from the transcript section of the configuration file when it exists; flags override them.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tc, err := boardConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				tc.ListenAddr = listen
			}
			if cmd.Flags().Changed("allow-origin") {
				tc.AllowedOrigins = origins
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), slog.LevelInfo))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBoard(ctx, tc)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", config.DefaultBoardAddr, "address to serve the board on")
	cmd.Flags().StringSliceVar(&origins, "allow-origin", nil, "origin allowed to read the board (repeatable)")
	return cmd
}

// boardConfig returns the transcript section of path, or defaults when the
// file does not exist.
func boardConfig(path string) (config.TranscriptConfig, error) {
	cfg, err := config.Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return config.TranscriptConfig{ListenAddr: config.DefaultBoardAddr}, nil
	case err != nil:
		return config.TranscriptConfig{}, err
	}
	return cfg.Transcript, nil
}

func runBoard(ctx context.Context, tc config.TranscriptConfig) error {
	board := transcript.NewBoard(tc.AllowedOrigins...)
	srv := &http.Server{
		Addr:              tc.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(board.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("transcript board listening", "addr", tc.ListenAddr, "origins", tc.AllowedOrigins)

	select {
	case err := <-errCh:
		return fmt.Errorf("board: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
