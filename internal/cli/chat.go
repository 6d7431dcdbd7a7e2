package cli

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/optimistic"
)

var (
	chatConversation string
	chatRun          string
	chatAttachments  = map[models.EntityKind]*[]string{
		models.EntityDataSource: new([]string),
		models.EntityDataset:    new([]string),
		models.EntityPipeline:   new([]string),
		models.EntityAnalysis:   new([]string),
		models.EntityModel:      new([]string),
	}
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the kvasir agent",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <prompt>",
	Short: "Send a prompt and print the reply as it streams",
	Long: `Send a prompt to a conversation (or a run) and print the assistant's reply
as it streams in. Entities attached with the context flags are sent with it.

Examples:
  kvasir chat send --conversation c-42 "Why did revenue dip in March?"
  kvasir chat send --conversation c-42 --dataset ds-1 --model m-7 "Compare these"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChatSend,
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations of the project",
	Args:  cobra.NoArgs,
	RunE:  runChatList,
}

func init() {
	chatSendCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "conversation id")
	chatSendCmd.Flags().StringVar(&chatRun, "run", "", "run id (instead of a conversation)")
	for _, kind := range models.EntityKinds {
		flag := strings.ReplaceAll(string(kind), "_", "-")
		chatSendCmd.Flags().StringSliceVar(chatAttachments[kind], flag, nil, "attach "+strings.ReplaceAll(string(kind), "_", " ")+" id (repeatable)")
	}
	chatSendCmd.MarkFlagsOneRequired("conversation", "run")
	chatSendCmd.MarkFlagsMutuallyExclusive("conversation", "run")

	chatCmd.AddCommand(chatSendCmd, chatListCmd)
}

func runChatSend(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr := app.tracker
	for kind, ids := range chatAttachments {
		for _, id := range *ids {
			if err := tr.Contexts().Add(tr.Project(), kind, id); err != nil {
				return err
			}
		}
	}

	prompt := optimistic.Prompt{
		ProjectID:      tr.Project(),
		ConversationID: chatConversation,
		RunID:          chatRun,
		Content:        strings.Join(args, " "),
	}
	key, err := prompt.Key()
	if err != nil {
		return err
	}

	updates, unsubscribe := tr.Subscribe(0)
	defer unsubscribe()

	release, err := tr.Watch(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	history := tr.Store().ChatMessages(key)
	sent, err := tr.SubmitPrompt(ctx, prompt)
	if err != nil {
		var submitErr *optimistic.SubmitError
		if errors.As(err, &submitErr) {
			if markErr := tr.Submitter().MarkFailed(submitErr.Message); markErr != nil {
				logger.Warn("mark message failed", "error", markErr)
			}
		}
		return err
	}
	logger.Debug("prompt sent", "key", key.String(), "message_id", sent.ID)

	w := cmd.OutOrStdout()
	r := newReplyPrinter(w, history)
	r.print(tr.Store().ChatMessages(key))
	for tr.Replying(key) {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return nil
		case changed, ok := <-updates:
			if !ok {
				return nil
			}
			if changed == key {
				r.print(tr.Store().ChatMessages(key))
			}
		}
	}
	fmt.Fprintln(w)
	return nil
}

// replyPrinter writes assistant output incrementally. Messages updated in
// place print only their new suffix; history is never reprinted.
type replyPrinter struct {
	w       io.Writer
	printed map[string]string
}

func newReplyPrinter(w io.Writer, history []models.ChatMessage) *replyPrinter {
	r := &replyPrinter{w: w, printed: make(map[string]string, len(history))}
	for _, m := range history {
		r.printed[m.ID] = m.Content
	}
	return r
}

func (r *replyPrinter) print(msgs []models.ChatMessage) {
	for _, m := range msgs {
		if m.Role == models.RoleUser {
			continue
		}
		prev := r.printed[m.ID]
		if m.Content == prev {
			continue
		}
		if strings.HasPrefix(m.Content, prev) {
			fmt.Fprint(r.w, m.Content[len(prev):])
		} else {
			fmt.Fprintf(r.w, "\n%s", m.Content)
		}
		r.printed[m.ID] = m.Content
	}
}

func runChatList(cmd *cobra.Command, args []string) error {
	tr := app.tracker
	if err := tr.RefreshConversations(cmd.Context()); err != nil {
		return err
	}
	convs := tr.Conversations()
	w := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations found")
		return nil
	}
	fmt.Fprintf(w, "%-38s %-30s %s\n", "ID", "NAME", "UPDATED")
	for _, c := range convs {
		fmt.Fprintf(w, "%-38s %-30s %s\n", c.ID, c.Name, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
