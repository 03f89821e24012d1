package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ailabber/ailabber/pkg/api"
	"github.com/ailabber/ailabber/pkg/bridge"
	"github.com/ailabber/ailabber/pkg/config"
	"github.com/ailabber/ailabber/pkg/log"
	"github.com/ailabber/ailabber/pkg/reconciler"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/storage"
	"github.com/ailabber/ailabber/pkg/submitter"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the Local Proxy daemon",
	Long: `Run the Local Proxy: the loopback HTTP API the CLI talks to, the task
store, and the background reconciler that drives tasks to completion.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig(cmd)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetInt("port")
		if port != 0 {
			cfg.ProxyPort = port
		}

		initLogging(cmd)

		if err := cfg.EnsureDirs(); err != nil {
			return fmt.Errorf("failed to create data dirs: %v", err)
		}

		store, err := storage.NewSQLiteStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open task store: %v", err)
		}
		defer store.Close()

		slurmClient := slurm.NewClient(nil)
		sub := submitter.New(slurmClient)
		br := bridge.New(cfg, nil, nil)

		recon := reconciler.New(store, slurmClient, br, cfg.PollInterval)
		recon.Start()
		fmt.Println("✓ Reconciler started")

		proxy := api.NewProxy(store, sub, br, recon, Version)
		addr := fmt.Sprintf("127.0.0.1:%d", cfg.ProxyPort)

		err = serve(addr, proxy.Router(), "Local Proxy")
		recon.Stop()
		return err
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Remote Server daemon",
	Long: `Run the Remote Server: the stateless frontend on the remote cluster.
It submits to the remote Slurm controller and serves logs and result
archives out of the per-user working trees.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDaemonConfig(cmd)
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetInt("port")
		if port != 0 {
			cfg.RemotePort = port
		}
		if base, _ := cmd.Flags().GetString("remote-base"); base != "" {
			cfg.RemoteBaseDir = base
		}

		initLogging(cmd)

		slurmClient := slurm.NewClient(nil)
		server := api.NewRemoteServer(cfg, submitter.New(slurmClient), slurmClient, Version)
		addr := fmt.Sprintf(":%d", cfg.RemotePort)

		return serve(addr, server.Router(), "Remote Server")
	},
}

func init() {
	for _, cmd := range []*cobra.Command{proxyCmd, serverCmd} {
		cmd.Flags().Int("port", 0, "Listen port (overrides config)")
		cmd.Flags().String("data-dir", "", "Data directory (overrides config)")
		cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
		cmd.Flags().Bool("json-logs", false, "Emit JSON logs instead of console output")
	}
	serverCmd.Flags().String("remote-base", "", "Base directory for per-user working trees")
}

func loadDaemonConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})
}

// serve runs the HTTP server until SIGINT/SIGTERM.
func serve(addr string, handler http.Handler, name string) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("✓ %s listening on %s\n", name, addr)
	fmt.Println("Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		return fmt.Errorf("%s error: %v", name, err)
	}

	if err := srv.Close(); err != nil {
		return err
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}
