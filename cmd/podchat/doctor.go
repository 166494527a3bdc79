package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/podchat/internal/cli/config"
	"github.com/antonkrylov/podchat/internal/cloud/runpod"
	"github.com/antonkrylov/podchat/internal/modelmeta"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			fmt.Fprintf(os.Stdout, "podchat_executable=%s\n", strings.TrimSpace(exe))

			env := cliconfig.FromEnv()
			fmt.Fprintf(os.Stdout, "api_key_set=%t\n", env.APIKey != "")

			keyPath := env.SSHKeyPath
			if keyPath == "" {
				keyPath = defaultSSHKeyPath()
			}
			keyOK := false
			if keyPath != "" {
				_, statErr := os.Stat(keyPath)
				keyOK = statErr == nil
			}
			fmt.Fprintf(os.Stdout, "ssh_key=%s present=%t\n", keyPath, keyOK)
			fmt.Fprintf(os.Stdout, "ssh_agent=%t\n", os.Getenv("SSH_AUTH_SOCK") != "")

			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
			} else {
				fmt.Fprintln(os.Stdout, "config_present=true")
				fmt.Fprintf(os.Stdout, "current_profile=%s\n", strings.TrimSpace(cfg.CurrentProfile))
				names := make([]string, 0, len(cfg.Profiles))
				for k := range cfg.Profiles {
					names = append(names, k)
				}
				sort.Strings(names)
				for _, name := range names {
					p := cfg.Profiles[name]
					if p == nil {
						continue
					}
					fmt.Fprintf(os.Stdout, "profile=%s gpu=%s max_cost=%.2f\n",
						name, strings.TrimSpace(p.GPUType), p.MaxCostPerHour)
				}
			}

			if dir, err := root.historyDir(); err == nil {
				fmt.Fprintf(os.Stdout, "history_dir=%s\n", dir)
			}

			hubURL := env.HubEndpoint
			if hubURL == "" {
				hubURL = modelmeta.DefaultHubEndpoint
			}
			fmt.Fprintf(os.Stdout, "hub_endpoint=%s reachable=%t\n", hubURL, reachable(cmd.Context(), hubURL))
			apiURL := env.APIEndpoint
			if apiURL == "" {
				apiURL = runpod.DefaultEndpoint
			}
			fmt.Fprintf(os.Stdout, "api_endpoint=%s reachable=%t\n", apiURL, reachable(cmd.Context(), apiURL))
			return nil
		},
	}
	return cmd
}

// reachable does a HEAD with a short deadline; any HTTP response counts.
func reachable(ctx context.Context, rawURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
