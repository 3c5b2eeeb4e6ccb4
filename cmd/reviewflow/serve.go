package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/reviewflow/internal/server"
)

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, analysis workers and notification relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Shutdown(context.WithoutCancel(ctx))

		if n, err := rt.coord.Resume(ctx); err != nil {
			logger.Error("resuming analyses", "error", err)
		} else if n > 0 {
			fmt.Printf("Resumed %d interrupted analyses\n", n)
		}

		go rt.relay.Run(ctx)

		srv, err := server.New(rt.db, rt.coord, logger)
		if err != nil {
			return err
		}
		srv.WithEvents(rt.bus)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv.Handler(), port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relayCmd)
}

// --- relay command ---

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Deliver pending notifications once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close(context.WithoutCancel(cmd.Context()))

		delivered, failed, err := rt.relay.Flush(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Notifications delivered: %d, failed: %d\n", delivered, failed)
		return nil
	},
}
