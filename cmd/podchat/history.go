package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/podchat/internal/cli/config"
	"github.com/antonkrylov/podchat/internal/history"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and maintain the encrypted chat history",
	}
	cmd.AddCommand(newHistoryLsCmd(root))
	cmd.AddCommand(newHistoryShowCmd(root))
	cmd.AddCommand(newHistoryResetKeyCmd(root))
	return cmd
}

// historyDir resolves where segments live: profile setting or the default.
func (r *rootOptions) historyDir() (string, error) {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return "", err
	}
	profile, _, err := cfg.Resolve(r.profileName)
	if err != nil {
		return "", err
	}
	if profile != nil && profile.HistoryDir != "" {
		return profile.HistoryDir, nil
	}
	return cliconfig.DefaultHistoryDir(), nil
}

func newHistoryLsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List encrypted history segments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := root.historyDir()
			if err != nil {
				return err
			}
			segments, err := history.ListSegments(dir)
			if err != nil {
				return err
			}
			if len(segments) == 0 {
				fmt.Printf("no history segments in %s\n", dir)
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEGMENT\tSIZE\tMODIFIED")
			for _, seg := range segments {
				fmt.Fprintf(tw, "%s\t%s\t%s\n",
					filepath.Base(seg.Path), formatBytes(seg.Size), seg.ModTime.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newHistoryShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <segment>",
		Short: "Decrypt one segment and print its turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := root.historyDir()
			if err != nil {
				return err
			}
			p := args[0]
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			turns, err := history.ReadSegmentWithKey(dir, p)
			if err != nil {
				return err
			}
			for _, t := range turns {
				fmt.Printf("[%s] %s: %s\n", t.Timestamp.Format("2006-01-02 15:04:05"), t.Role, t.Content)
				for _, a := range t.Attachments {
					fmt.Printf("  attachment: %s\n", a)
				}
			}
			return nil
		},
	}
}

func newHistoryResetKeyCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset-key",
		Short: "Delete the session key; existing segments become unreadable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := root.historyDir()
			if err != nil {
				return err
			}
			if !force {
				fmt.Print("this makes every existing segment permanently unreadable; type \"reset\" to continue: ")
				sc := bufio.NewScanner(os.Stdin)
				if !sc.Scan() || strings.TrimSpace(sc.Text()) != "reset" {
					fmt.Println("aborted")
					return nil
				}
			}
			if err := history.ResetKey(dir); err != nil {
				return err
			}
			fmt.Println("key removed; the next session creates a fresh one")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation")
	return cmd
}
