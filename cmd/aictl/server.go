package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aictl/internal/registry"
	"aictl/internal/server"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the persistent assistant server for a project",
	}
	cmd.AddCommand(newServerStartCmd(), newServerStopCmd(), newServerStatusCmd())
	return cmd
}

func newServerStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start (or adopt) the assistant server for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := workDir()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			mgr := server.NewManager(cfg, registry.New(cfg.DataDir), log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			url, err := mgr.EnsureRunning(ctx, dir)
			if err != nil {
				return err
			}
			fmt.Println(url)
			return nil
		},
	}
}

func newServerStopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the registered assistant server for this project",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := workDir()
			if err != nil {
				return err
			}
			reg := registry.New(cfg.DataDir)
			entry, ok := reg.Lookup(dir)
			if !ok {
				return fmt.Errorf("no server registered for %s", dir)
			}
			sig := syscall.SIGTERM
			if force {
				sig = syscall.SIGKILL
			}
			if entry.OwnerPID > 0 {
				if err := syscall.Kill(entry.OwnerPID, sig); err != nil {
					fmt.Printf("signal pid %d: %v (removing registry entry anyway)\n", entry.OwnerPID, err)
				}
			}
			if err := reg.Remove(dir); err != nil {
				return err
			}
			fmt.Printf("stopped server at %s\n", entry.URL)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL instead of SIGTERM")
	return cmd
}

func newServerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List registered assistant servers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := registry.New(cfg.DataDir)
			entries := reg.All()
			if len(entries) == 0 {
				fmt.Println("no servers registered")
				return nil
			}
			client := &http.Client{Timeout: time.Second}
			for dir, e := range entries {
				health := "unreachable"
				if resp, err := client.Get(e.URL + "/health"); err == nil {
					resp.Body.Close()
					if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
						health = "healthy"
					} else {
						health = fmt.Sprintf("status %d", resp.StatusCode)
					}
				}
				fmt.Printf("%s\t%s\tpid=%d\t%s\n", dir, e.URL, e.OwnerPID, health)
			}
			return nil
		},
	}
}
