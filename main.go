// PingMeDaddy — single-binary ping monitoring & latency insights server.
// Author: Poutchouli | License: MIT | https://github.com/Poutchouli/PMD
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Poutchouli/PMD/internal/config"
	"github.com/Poutchouli/PMD/internal/insights"
	"github.com/Poutchouli/PMD/internal/monitor"
	"github.com/Poutchouli/PMD/internal/probe"
	"github.com/Poutchouli/PMD/internal/rollup"
	"github.com/Poutchouli/PMD/internal/server"
	"github.com/Poutchouli/PMD/internal/storage"
)

const asciiLogo = `
 ██████╗ ███╗   ███╗██████╗
 ██╔══██╗████╗ ████║██╔══██╗
 ██████╔╝██╔████╔██║██║  ██║
 ██╔═══╝ ██║╚██╔╝██║██║  ██║
 ██║     ██║ ╚═╝ ██║██████╔╝
 ╚═╝     ╚═╝     ╚═╝╚═════╝
`

const version = "v0.1.0"

func printBanner() {
	fmt.Printf("%s\n", asciiLogo)
	fmt.Printf("  ► PingMeDaddy %s  |  ping monitoring & latency insights\n\n", version)
}

func main() {
	root := &cobra.Command{
		Use:   "pmd",
		Short: "PingMeDaddy — ping monitoring & latency insights server",
		Long: `PingMeDaddy is a single-binary server that continuously pings a registry
of IP targets, records per-sample latency and loss, detects outages and
recoveries, and serves windowed latency insights over a JWT-protected API.`,
		SilenceUsage: true,
	}

	// ── server subcommand ─────────────────────────────────────────────────────
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the PingMeDaddy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			store, err := storage.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}

			prober := probe.NewICMPProber(
				time.Duration(cfg.PingTimeoutSeconds * float64(time.Second)))
			sched := monitor.New(store, prober, monitor.Config{
				FailureThreshold: cfg.FailureThreshold,
			})
			engine := insights.New(store)

			// Background context for everything that outlives a request.
			bgCtx, bgCancel := context.WithCancel(context.Background())
			defer bgCancel()

			if err := sched.LoadExisting(bgCtx); err != nil {
				return fmt.Errorf("restoring monitoring loops: %w", err)
			}

			agg := rollup.New(store,
				time.Duration(cfg.RollupIntervalSeconds)*time.Second,
				time.Duration(cfg.RollupLookbackMinutes)*time.Minute)
			go agg.Run(bgCtx)

			gin.SetMode(gin.ReleaseMode)
			corsMiddleware := func(c *gin.Context) {
				c.Header("Access-Control-Allow-Origin", "*")
				c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				if c.Request.Method == "OPTIONS" {
					c.AbortWithStatus(204)
					return
				}
				c.Next()
			}

			engineHTTP := gin.New()
			engineHTTP.Use(gin.Recovery(), corsMiddleware)
			srv := server.New(cfg, store, sched, engine)
			srv.RegisterRoutes(engineHTTP)

			addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
			fmt.Printf("  ✓ API listening on http://%s\n", addr)
			fmt.Printf("  ✓ Default login: %s / %s\n", cfg.AdminUser, cfg.AdminPass)
			fmt.Printf("  ✓ Tracking %d target(s)\n\n", sched.Count())

			httpSrv := &http.Server{Addr: addr, Handler: engineHTTP}
			errCh := make(chan error, 1)
			go func() { errCh <- httpSrv.ListenAndServe() }()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt) // os.Interrupt = SIGINT; works on all platforms

			select {
			case err := <-errCh:
				return err
			case <-quit:
				fmt.Println("\n  → Shutting down gracefully…")
				// Stop the loops and rollup passes before closing the listener
				// so no write races the database teardown.
				sched.ShutdownAll()
				bgCancel()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(ctx)
				return nil
			}
		},
	}

	// ── version subcommand ────────────────────────────────────────────────────
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print PingMeDaddy version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PingMeDaddy %s\n", version)
		},
	}

	root.AddCommand(serverCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
