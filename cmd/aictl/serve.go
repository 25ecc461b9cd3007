package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aictl/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ControlAddr = addr
			}
			log := newLogger(cfg)
			eng := buildEngine(cfg, log)

			baseCtx, cancelBase := context.WithCancel(context.Background())
			defer cancelBase()
			httpapi.SetBaseContext(baseCtx)
			httpapi.SetLogger(log)

			srv := &http.Server{Addr: cfg.ControlAddr, Handler: httpapi.NewMux(eng)}
			go func() {
				log.Info().Str("addr", cfg.ControlAddr).Msg("control API listening")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			// Graceful shutdown (Ctrl+C / SIGTERM)
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop
			log.Info().Msg("shutting down")
			cancelBase()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("graceful shutdown error")
			}
			if n := eng.CancelAll(); n > 0 {
				log.Info().Int("requests", n).Msg("cancelled in-flight requests")
			}
			if n := eng.StopServers(false); n > 0 {
				log.Info().Int("servers", n).Msg("stopped owned servers")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address for the control API, e.g. 127.0.0.1:7533")
	return cmd
}
