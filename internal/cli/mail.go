package cli

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/halcyon-labs/m365ctl/internal/app"
	"github.com/halcyon-labs/m365ctl/internal/graph/mail"
)

var mailCmd = &cobra.Command{
	Use:   "mail",
	Short: "Mailbox operations",
}

var (
	mailFolder string
	mailTop    int
)

var mailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages in a folder",
	RunE:  runMailList,
}

var mailSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search messages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMailSearch,
}

var (
	sendSubject string
	sendBody    string
	sendHTML    bool
	sendTo      []string
	sendCc      []string
	sendDraft   bool
)

var mailSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message (or save it as a draft with --draft)",
	Long: `Send a message through Microsoft Graph. Graph accepts sends
asynchronously: a successful send means "accepted for delivery".`,
	RunE: runMailSend,
}

var mailFoldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List mail folders",
	RunE:  runMailFolders,
}

var mailDraftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "List draft messages",
	RunE:  runMailDrafts,
}

func init() {
	mailListCmd.Flags().StringVar(&mailFolder, "folder", "inbox", "folder name or ID")
	mailListCmd.Flags().IntVar(&mailTop, "top", 25, "maximum messages to return")
	mailSearchCmd.Flags().IntVar(&mailTop, "top", 25, "maximum messages to return")

	mailSendCmd.Flags().StringVar(&sendSubject, "subject", "", "message subject")
	mailSendCmd.Flags().StringVar(&sendBody, "body", "", "message body")
	mailSendCmd.Flags().BoolVar(&sendHTML, "html", false, "treat the body as HTML")
	mailSendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "recipient address (repeatable)")
	mailSendCmd.Flags().StringSliceVar(&sendCc, "cc", nil, "cc address (repeatable)")
	mailSendCmd.Flags().BoolVar(&sendDraft, "draft", false, "save as draft instead of sending")
	_ = mailSendCmd.MarkFlagRequired("to")

	mailCmd.AddCommand(mailListCmd, mailSearchCmd, mailSendCmd, mailFoldersCmd, mailDraftsCmd)
	rootCmd.AddCommand(mailCmd)
}

func runMailList(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	msgs, err := a.Mail.List(cmd.Context(), mailFolder, mailTop)
	if err != nil {
		return err
	}
	printMessages(msgs)
	return nil
}

func runMailSearch(cmd *cobra.Command, args []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	msgs, err := a.Mail.Search(cmd.Context(), strings.Join(args, " "), mailTop)
	if err != nil {
		return err
	}
	printMessages(msgs)
	return nil
}

func runMailSend(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}

	req := &mail.SendRequest{
		Subject:  sendSubject,
		Body:     sendBody,
		To:       sendTo,
		Cc:       sendCc,
		SaveCopy: true,
	}
	if sendHTML {
		req.BodyType = "HTML"
	}

	if sendDraft {
		draft, err := a.Mail.CreateDraft(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("Draft saved: %s\n", draft.ID)
		return nil
	}

	if err := a.Mail.Send(cmd.Context(), req); err != nil {
		return err
	}
	fmt.Println("Message accepted for delivery")
	return nil
}

func runMailFolders(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	folders, err := a.Mail.ListFolders(cmd.Context())
	if err != nil {
		return err
	}
	for _, f := range folders {
		fmt.Printf("%-24s unread %-5d total %-5d %s\n",
			f.DisplayName, f.UnreadItemCount, f.TotalItemCount, f.ID)
	}
	return nil
}

func runMailDrafts(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	msgs, err := a.Mail.ListDrafts(cmd.Context(), mailTop)
	if err != nil {
		return err
	}
	printMessages(msgs)
	return nil
}

func printMessages(msgs []mail.Message) {
	if len(msgs) == 0 {
		fmt.Println("No messages")
		return
	}
	for _, m := range msgs {
		from := ""
		if m.From != nil {
			from = m.From.EmailAddress.Address
		}
		read := " "
		if !m.IsRead {
			read = "*"
		}
		fmt.Printf("%s %-28s %-40s %s\n", read, from, truncate(m.Subject, 40), m.ReceivedDateTime)
	}
}

// truncate shortens s to at most n display runes, never splitting a
// multibyte character.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
