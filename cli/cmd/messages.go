package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autonlabs/inbox-broker/cli/internal/client"
	"github.com/autonlabs/inbox-broker/cli/pkg/output"
)

var messagesCmd = &cobra.Command{
	Use:   "messages <inbox-id>",
	Short: "List recent messages, newest first",
	Example: `  inboxctl messages 0192... --topic deploy --limit 50
  inboxctl messages 0192... --ref task-1234 --output json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		secret, err := inboxSecret(cmd, id)
		if err != nil {
			return err
		}

		q := client.MessageQuery{}
		q.Limit, _ = cmd.Flags().GetInt("limit")
		q.Topic, _ = cmd.Flags().GetString("topic")
		q.Source, _ = cmd.Flags().GetString("source")
		q.Ref, _ = cmd.Flags().GetString("ref")
		q.Interactive, _ = cmd.Flags().GetBool("interactive")

		list, err := brokerClient(cmd).GetMessages(cmd.Context(), id, secret, q)
		if err != nil {
			return fmt.Errorf("failed to get messages: %w", err)
		}

		if outputJSON(cmd) {
			return output.JSON(list)
		}
		if len(list.Messages) == 0 {
			output.Info("No messages")
			return nil
		}

		table := output.NewTable([]string{"Seq", "ID", "Source", "Topic", "Ref", "Received"})
		for _, m := range list.Messages {
			table.AddRow(messageRow(m))
		}
		table.Render()
		output.Info("%d message(s), limit %d", list.Count, list.Limit)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <inbox-id>",
	Short: "Follow an inbox's live message stream",
	Example: `  inboxctl tail 0192...
  inboxctl tail 0192... --after 01J9Z... --output json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		secret, err := inboxSecret(cmd, id)
		if err != nil {
			return err
		}
		after, _ := cmd.Flags().GetString("after")
		asJSON := outputJSON(cmd)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !asJSON {
			output.Info("Tailing inbox %s (Ctrl+C to stop)", id)
		}
		err = brokerClient(cmd).Tail(ctx, id, secret, after, func(m *client.Message) error {
			if asJSON {
				return output.JSONLine(m)
			}
			row := messageRow(m)
			fmt.Printf("%s  #%s  %s/%s %s\n", row[5], row[0], row[2], row[3], string(m.Body))
			return nil
		})
		if errors.Is(err, client.ErrStreamEnded) {
			output.Warn("%v", err)
			return nil
		}
		return err
	},
}

func messageRow(m *client.Message) []string {
	env := m.Envelope()
	return []string{
		strconv.FormatInt(m.Seq, 10),
		m.ID,
		env.Source,
		env.Topic,
		env.Ref,
		m.ReceivedAt.Local().Format(time.DateTime),
	}
}

func init() {
	rootCmd.AddCommand(messagesCmd, tailCmd)

	messagesCmd.Flags().IntP("limit", "l", 0, "Maximum messages to return (default: broker default)")
	messagesCmd.Flags().String("topic", "", "Only messages whose topic contains this text")
	messagesCmd.Flags().String("source", "", "Only messages whose source contains this text")
	messagesCmd.Flags().String("ref", "", "Only messages whose ref contains this text")
	messagesCmd.Flags().Bool("interactive", false, "Use the interactive view default limit")

	tailCmd.Flags().String("after", "", "Replay messages after this message ID first")

	for _, c := range []*cobra.Command{messagesCmd, tailCmd} {
		c.Flags().StringP("secret", "s", "", "Inbox private secret (default: saved credentials)")
	}
}
