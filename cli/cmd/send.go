package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/autonlabs/inbox-broker/cli/internal/client"
	"github.com/autonlabs/inbox-broker/cli/pkg/output"
)

var sendCmd = &cobra.Command{
	Use:   "send <inbox-id>",
	Short: "Send an envelope to an inbox",
	Example: `  inboxctl send 0192... --source ci --topic build --payload '{"status":"passed"}'
  inboxctl send 0192... --json '{"source":"ci","topic":"build","extra":1}' --key pk_...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		key, err := inboxKey(cmd, id)
		if err != nil {
			return err
		}

		source, _ := cmd.Flags().GetString("source")
		topic, _ := cmd.Flags().GetString("topic")
		ref, _ := cmd.Flags().GetString("ref")
		payload, _ := cmd.Flags().GetString("payload")
		raw, _ := cmd.Flags().GetString("json")

		c := brokerClient(cmd)
		var msgID string
		if raw != "" {
			msgID, err = c.SendRaw(cmd.Context(), id, key, []byte(raw))
		} else {
			if source == "" || topic == "" {
				return fmt.Errorf("--source and --topic are required (or pass --json)")
			}
			env := client.Envelope{Source: source, Topic: topic, Ref: ref}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be valid JSON")
				}
				env.Payload = json.RawMessage(payload)
			}
			msgID, err = c.Send(cmd.Context(), id, key, env)
		}
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(map[string]string{"id": msgID})
		}
		output.Success("Message %s accepted", msgID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringP("key", "k", "", "Inbox public key (default: saved credentials)")
	sendCmd.Flags().String("source", "", "Envelope source")
	sendCmd.Flags().String("topic", "", "Envelope topic")
	sendCmd.Flags().String("ref", "", "Envelope ref")
	sendCmd.Flags().String("payload", "", "Envelope payload as JSON")
	sendCmd.Flags().String("json", "", "Full JSON body, sent unchanged")
}
