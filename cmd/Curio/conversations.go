package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/BTreeMap/Curio/internal/models"
	"github.com/BTreeMap/Curio/internal/store"
	"github.com/spf13/cobra"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect stored tutoring conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, newest first",
	Args:  cobra.NoArgs,
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a conversation transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var conversationsExportCmd = &cobra.Command{
	Use:   "export <conversation-id>",
	Short: "Export a conversation with its messages as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsExport,
}

var (
	listLimit      int
	listOffset     int
	listSessionID  string
	listPhenomenon string
	exportOutput   string
)

func init() {
	lf := conversationsListCmd.Flags()
	lf.IntVar(&listLimit, "limit", models.DefaultListLimit, "maximum number of conversations")
	lf.IntVar(&listOffset, "offset", 0, "number of conversations to skip")
	lf.StringVar(&listSessionID, "session", "", "only conversations of this session")
	lf.StringVar(&listPhenomenon, "phenomenon", "", "only conversations about this phenomenon")

	conversationsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to this file instead of stdout")

	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
	conversationsCmd.AddCommand(conversationsExportCmd)
}

// openStore opens the configured store for read access.
func openStore(cmd *cobra.Command) (store.Store, error) {
	config := loadEnvironmentConfig()
	applyCommonFlags(cmd.Flags(), &config)
	st, err := store.New(buildStoreOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

func runConversationsList(cmd *cobra.Command, _ []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.ListConversations(models.ConversationFilter{
		Limit:      listLimit,
		Offset:     listOffset,
		SessionID:  listSessionID,
		Phenomenon: listPhenomenon,
	})
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	return writeConversationList(cmd.OutOrStdout(), list)
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	detail, err := loadDetail(st, args[0])
	if err != nil {
		return err
	}
	return writeTranscript(cmd.OutOrStdout(), detail)
}

func runConversationsExport(cmd *cobra.Command, args []string) error {
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	detail, err := loadDetail(st, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", exportOutput, err)
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(detail); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

func loadDetail(st store.Store, id string) (*models.ConversationDetail, error) {
	conv, err := st.GetConversation(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	msgs, err := st.GetMessages(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of %s: %w", id, err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &models.ConversationDetail{Conversation: *conv, Messages: msgs}, nil
}

func writeConversationList(w io.Writer, list *models.ConversationList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSESSION\tPHENOMENON\tSTARTED\tMESSAGES\tSTATUS")
	for _, c := range list.Conversations {
		status := "open"
		if c.FinishedAt != nil {
			status = "finished"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, orDash(c.SessionID), orDash(c.Phenomenon), c.StartedAt.Local().Format(time.DateTime), c.MessageCount, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d conversations (offset %d)\n", len(list.Conversations), list.Total, list.Offset)
	return err
}

func writeTranscript(w io.Writer, d *models.ConversationDetail) error {
	c := d.Conversation
	fmt.Fprintf(w, "Conversation %s\n", c.ID)
	fmt.Fprintf(w, "Session:    %s\n", orDash(c.SessionID))
	fmt.Fprintf(w, "Image:      %s\n", orDash(c.ImagePath))
	fmt.Fprintf(w, "Phenomenon: %s\n", orDash(c.Phenomenon))
	fmt.Fprintf(w, "Started:    %s\n", c.StartedAt.Local().Format(time.DateTime))
	if c.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:   %s (%s)\n", c.FinishedAt.Local().Format(time.DateTime), orDash(c.EvaluationResult))
	}
	fmt.Fprintln(w)
	for _, m := range d.Messages {
		label := m.Role
		if m.State != "" {
			label += " [" + m.State + "]"
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", label, m.Content); err != nil {
			return err
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
