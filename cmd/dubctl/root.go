package main

import (
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

type commandContext struct {
	apiFlag  *string
	jsonFlag *bool

	clientOnce sync.Once
	client     *apiClient
	clientErr  error
}

func newRootCommand() *cobra.Command {
	var apiFlag string
	var jsonFlag bool

	ctx := &commandContext{apiFlag: &apiFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "dubctl",
		Short:         "Operate the dubbing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiFlag, "api", envOr("DUBCTL_API_URL", defaultAPIURL), "Base URL of the API service")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newReviewCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newRetranslateCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))

	return rootCmd
}

func (c *commandContext) apiClient() (*apiClient, error) {
	c.clientOnce.Do(func() {
		c.client, c.clientErr = newAPIClient(strings.TrimSpace(*c.apiFlag))
	})
	return c.client, c.clientErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
