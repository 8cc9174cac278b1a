package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/autonlabs/inbox-broker/cli/internal/config"
	"github.com/autonlabs/inbox-broker/cli/pkg/output"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an inbox",
	Long:  "Create an inbox and save its credentials to the active profile",
	Example: `  inboxctl create --name builds
  inboxctl create --name alerts --output json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		noSave, _ := cmd.Flags().GetBool("no-save")

		inbox, err := brokerClient(cmd).CreateInbox(cmd.Context(), name)
		if err != nil {
			return fmt.Errorf("failed to create inbox: %w", err)
		}

		if !noSave {
			creds := &config.InboxCreds{Name: inbox.Name, PublicKey: inbox.PublicKey, PrivateSecret: inbox.PrivateSecret}
			if err := cfg.SaveInbox(profileName(cmd), inbox.ID, creds); err != nil {
				output.Warn("Could not save credentials: %v", err)
			}
		}

		if outputJSON(cmd) {
			return output.JSON(inbox)
		}

		output.Success("Inbox created")
		output.Field("ID", inbox.ID)
		output.Field("Name", inbox.Name)
		output.Field("Public key", inbox.PublicKey)
		output.Field("Secret", inbox.PrivateSecret)
		output.Field("Endpoint", inbox.EndpointURL)
		output.Field("Monitor", inbox.MonitorURL)
		if noSave {
			output.Warn("The secret is shown only once. Store it now.")
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List inboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		inboxes, err := brokerClient(cmd).ListInboxes(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list inboxes: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(inboxes)
		}
		if len(inboxes) == 0 {
			output.Info("No inboxes")
			return nil
		}

		table := output.NewTable([]string{"ID", "Name", "Public Key", "Created"})
		for _, in := range inboxes {
			table.AddRow([]string{in.ID, in.Name, output.Truncate(in.PublicKey, 16), in.CreatedAt.Format(time.RFC3339)})
		}
		table.Render()
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <inbox-id>",
	Short: "Show inbox details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		secret, err := inboxSecret(cmd, id)
		if err != nil {
			return err
		}

		inbox, err := brokerClient(cmd).GetInbox(cmd.Context(), id, secret)
		if err != nil {
			return fmt.Errorf("failed to get inbox: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(inbox)
		}
		output.Field("ID", inbox.ID)
		output.Field("Name", inbox.Name)
		output.Field("Public key", inbox.PublicKey)
		output.Field("Created", inbox.CreatedAt.Format(time.RFC3339))
		output.Field("Endpoint", inbox.EndpointURL)
		if inbox.MessageCount != nil {
			output.Field("Messages", strconv.FormatInt(*inbox.MessageCount, 10))
		}
		if u := inbox.Usage; u != nil {
			output.Field("Last hour", strconv.FormatInt(u.MessagesLastHour, 10))
			output.Field("Last 24h", strconv.FormatInt(u.MessagesLast24h, 10))
			output.Field("Senders today", strconv.FormatInt(u.SendersToday, 10))
			if u.LastReceivedAt != nil {
				output.Field("Last message", u.LastReceivedAt.Local().Format(time.RFC3339))
			}
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <inbox-id>",
	Short: "Delete an inbox and all of its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		secret, err := inboxSecret(cmd, id)
		if err != nil {
			return err
		}

		if err := brokerClient(cmd).DeleteInbox(cmd.Context(), id, secret); err != nil {
			return fmt.Errorf("failed to delete inbox: %w", err)
		}
		// Ignore a missing entry; the inbox may have been created elsewhere.
		_ = cfg.RemoveInbox(profileName(cmd), id)

		output.Success("Inbox %s deleted", id)
		return nil
	},
}

var useCmd = &cobra.Command{
	Use:   "use <broker-url>",
	Short: "Point the active profile at a broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := profileName(cmd)
		if profile == "" {
			profile = cfg.CurrentProfile
		}
		if err := cfg.SetBrokerURL(profile, args[0]); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		output.Success("Profile '%s' now uses %s", profile, args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd, listCmd, infoCmd, deleteCmd, useCmd)

	createCmd.Flags().StringP("name", "n", "", "Inbox name")
	createCmd.Flags().Bool("no-save", false, "Do not save credentials to the profile")

	for _, c := range []*cobra.Command{infoCmd, deleteCmd} {
		c.Flags().StringP("secret", "s", "", "Inbox private secret (default: saved credentials)")
	}
}
