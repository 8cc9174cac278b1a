package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/autonlabs/inbox-broker/cli/internal/client"
	"github.com/autonlabs/inbox-broker/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "inboxctl",
	Short: "Inbox broker CLI",
	Long: `inboxctl is the command-line interface for the inbox broker.

Create inboxes, send envelopes to them, read and tail their messages,
and seed test traffic from your terminal.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.inboxctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table, json")
	rootCmd.PersistentFlags().String("broker", "", "broker base URL (overrides the profile)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

func profileName(cmd *cobra.Command) string {
	name, _ := cmd.Flags().GetString("profile")
	return name
}

func outputJSON(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

func brokerClient(cmd *cobra.Command) *client.BrokerClient {
	url, _ := cmd.Flags().GetString("broker")
	if url == "" {
		url = cfg.Profile(profileName(cmd)).BrokerURL
	}
	return client.NewBrokerClient(url)
}

// inboxSecret returns --secret, falling back to the saved credentials.
func inboxSecret(cmd *cobra.Command, id string) (string, error) {
	if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
		return secret, nil
	}
	creds, err := cfg.Inbox(profileName(cmd), id)
	if err != nil || creds.PrivateSecret == "" {
		return "", fmt.Errorf("private secret is required (use --secret or create the inbox with 'inboxctl create')")
	}
	return creds.PrivateSecret, nil
}

// inboxKey returns --key, falling back to the saved credentials.
func inboxKey(cmd *cobra.Command, id string) (string, error) {
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		return key, nil
	}
	creds, err := cfg.Inbox(profileName(cmd), id)
	if err != nil || creds.PublicKey == "" {
		return "", fmt.Errorf("public key is required (use --key or create the inbox with 'inboxctl create')")
	}
	return creds.PublicKey, nil
}
