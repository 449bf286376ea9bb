package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/loqalabs/loqa-captions/internal/credential"
	"github.com/loqalabs/loqa-captions/internal/language"
	"github.com/spf13/cobra"
)

var showToken bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Fetch a speech credential from the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cred, err := credential.NewFetcher(cfg.Client, nil).Credential(cmd.Context())
		if err != nil {
			return err
		}
		if !showToken {
			cred.Token = fmt.Sprintf("<%d bytes>", len(cred.Token))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(cred)
	},
}

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List translation patterns",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCE\tLOCALE\tTARGETS")
		for _, p := range language.Patterns() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.FromLabel, p.From, joinCodes(p.To))
		}
		return w.Flush()
	},
}

func init() {
	tokenCmd.Flags().BoolVar(&showToken, "show", false, "Print the token instead of its length")
}

func joinCodes(langs []language.Lang) string {
	return strings.Join(language.Codes(langs), ",")
}
