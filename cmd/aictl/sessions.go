package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"aictl/internal/session"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored session transcripts for this project",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsShowCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := workDir()
			if err != nil {
				return err
			}
			store := session.NewStore(cfg.DataDir)
			sessions, err := store.List(dir)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions stored")
				return nil
			}
			for _, s := range sessions {
				modified := time.Unix(s.ModifiedUnix, 0).Format("2006-01-02 15:04")
				fmt.Printf("%s\t%s\t%s\n", s.ID, modified, s.Preview)
			}
			return nil
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, err := workDir()
			if err != nil {
				return err
			}
			store := session.NewStore(cfg.DataDir)
			content, ok, err := store.Load(dir, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Print(content)
			return nil
		},
	}
}
