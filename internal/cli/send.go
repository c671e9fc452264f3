package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/harun/courier/pkg/chat"
	"github.com/harun/courier/pkg/conversation"
)

var (
	sendIdempotencyKey string
	historyLimit       int
)

var sendCmd = &cobra.Command{
	Use:   "send <sender> <receiver> <content>...",
	Short: "Send a message through a running server",
	Long: `Send a message through a running server's JSON-RPC endpoint.
Remaining arguments are joined with spaces to form the content.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runSend,
}

var historyCmd = &cobra.Command{
	Use:   "history <userA> <userB>",
	Short: "Print the conversation between two users",
	Args:  cobra.ExactArgs(2),
	RunE:  runHistory,
}

func init() {
	for _, cmd := range []*cobra.Command{sendCmd, historyCmd} {
		cmd.Flags().StringVar(&serverURL, "server", "", "gateway base URL (default derived from the config)")
		cmd.Flags().StringVar(&authToken, "token", "", "bearer token sent to the gateway")
	}
	sendCmd.Flags().StringVar(&sendIdempotencyKey, "idempotency-key", "", "key that makes a retried send safe")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "show only the most recent messages")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(historyCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	req := chat.SendRequest{
		Sender:   args[0],
		Receiver: args[1],
		Content:  strings.Join(args[2:], " "),
	}

	var msg conversation.Message
	if err := newClient(cfg).Call("chat.send", req, sendIdempotencyKey, &msg); err != nil {
		return err
	}

	renderMessages(cmd.OutOrStdout(), []conversation.Message{msg})
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	req := chat.HistoryRequest{UserA: args[0], UserB: args[1], Limit: historyLimit}

	var result struct {
		Messages []conversation.Message `json:"messages"`
	}
	if err := newClient(cfg).Call("chat.history", req, "", &result); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(result.Messages) == 0 {
		fmt.Fprintf(out, "No messages between %s and %s\n", args[0], args[1])
		return nil
	}
	renderMessages(out, result.Messages)
	return nil
}

func renderMessages(out io.Writer, msgs []conversation.Message) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Sender", "Receiver", "Content", "Created", "Edited"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, msg := range msgs {
		edited := ""
		if msg.UpdatedAt.After(msg.CreatedAt) {
			edited = msg.UpdatedAt.Local().Format(time.DateTime)
		}
		table.Append([]string{
			msg.ID,
			msg.Sender,
			msg.Receiver,
			msg.Content,
			msg.CreatedAt.Local().Format(time.DateTime),
			edited,
		})
	}

	table.Render()
}
