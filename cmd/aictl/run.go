package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"aictl/internal/engine"
)

func newRunCmd() *cobra.Command {
	var (
		model     string
		agent     string
		sessionID string
		files     []string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run one prompt exchange and print the response",
		Example: "  aictl run explain this panic\n" +
			"  aictl run --file main.go @quick add error handling\n" +
			"  aictl run @plan sketch the migration",
		Args: cobra.MinimumNArgs(1),
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
			eng := buildEngine(cfg, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Stream response text as it grows; rewrites fall back to a
			// full reprint at the end.
			var mu sync.Mutex
			var printed string
			resp, err := eng.Run(ctx, engine.RunOptions{
				Dir:       dir,
				Prompt:    strings.Join(args, " "),
				Files:     files,
				SessionID: sessionID,
				Model:     model,
				Agent:     agent,
				OnProgress: func(p engine.Progress) {
					mu.Lock()
					defer mu.Unlock()
					if p.Done {
						return
					}
					if strings.HasPrefix(p.Response, printed) {
						fmt.Print(p.Response[len(printed):])
						printed = p.Response
					}
				},
			})
			if err != nil {
				return err
			}
			mu.Lock()
			if resp.Text != "" && !strings.HasPrefix(resp.Text, printed) {
				fmt.Print("\n" + resp.Text)
				printed = resp.Text
			} else if strings.HasPrefix(resp.Text, printed) {
				fmt.Print(resp.Text[len(printed):])
			}
			if printed != "" || resp.Text != "" {
				fmt.Println()
			}
			mu.Unlock()

			switch resp.Outcome {
			case engine.OutcomeCompleted:
				if resp.SessionID != "" {
					log.Debug().Str("session", resp.SessionID).Msg("exchange stored")
				}
				return nil
			case engine.OutcomeCancelled:
				return fmt.Errorf("cancelled")
			default:
				return fmt.Errorf("%s: %s", resp.Outcome, resp.Error)
			}
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model override, e.g. provider/model")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent override")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id to continue")
	cmd.Flags().StringArrayVar(&files, "file", nil, "File to attach (repeatable)")
	return cmd
}
