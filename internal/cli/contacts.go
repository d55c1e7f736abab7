package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/halcyon-labs/m365ctl/internal/app"
	"github.com/halcyon-labs/m365ctl/internal/graph/contacts"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Address book operations",
}

var contactsTop int

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts",
	RunE:  runContactsList,
}

var contactsSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search contacts by name or company",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContactsSearch,
}

func init() {
	contactsListCmd.Flags().IntVar(&contactsTop, "top", 50, "maximum contacts to return")
	contactsSearchCmd.Flags().IntVar(&contactsTop, "top", 25, "maximum contacts to return")

	contactsCmd.AddCommand(contactsListCmd, contactsSearchCmd)
	rootCmd.AddCommand(contactsCmd)
}

func runContactsList(cmd *cobra.Command, _ []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	list, err := a.Contacts.List(cmd.Context(), contactsTop)
	if err != nil {
		return err
	}
	printContacts(list)
	return nil
}

func runContactsSearch(cmd *cobra.Command, args []string) error {
	a, err := app.Open(profileFlag)
	if err != nil {
		return err
	}
	list, err := a.Contacts.Search(cmd.Context(), strings.Join(args, " "), contactsTop)
	if err != nil {
		return err
	}
	printContacts(list)
	return nil
}

func printContacts(list []contacts.Contact) {
	if len(list) == 0 {
		fmt.Println("No contacts")
		return
	}
	for _, c := range list {
		fmt.Printf("%-28s %-32s %s\n",
			truncate(c.DisplayName, 28), c.PrimaryEmail(), c.CompanyName)
	}
}
