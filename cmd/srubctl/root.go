package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"ofzlend/services/lending/client"
)

const (
	defaultAPI      = "http://localhost:8090"
	tokenEnv        = "SRUBCTL_TOKEN"
	formatTable     = "table"
	formatJSON      = "json"
	formatYAML      = "yaml"
	defaultPassEnv  = "SRUB_KEYSTORE_PASS"
	defaultKeystore = "wallet.keystore"
)

type globalOptions struct {
	api    string
	token  string
	format string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "srubctl",
		Short:         "Operate a synthetic RUB lending position through lendingd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch opts.format {
			case formatTable, formatJSON, formatYAML:
				return nil
			default:
				return fmt.Errorf("unsupported output format %q", opts.format)
			}
		},
	}
	root.PersistentFlags().StringVar(&opts.api, "api", defaultAPI, "lendingd base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(tokenEnv), "bearer token (defaults to $"+tokenEnv+")")
	root.PersistentFlags().StringVar(&opts.format, "format", formatTable, "output format (table, json, yaml)")

	root.AddCommand(
		newPositionCmd(opts),
		newPortfolioCmd(opts),
		newTransactionsCmd(opts),
		newPreviewCmd(opts),
		newDepositCmd(opts),
		newAmountCmd(opts, "withdraw", "Withdraw collateral", (*client.Client).Withdraw),
		newAmountCmd(opts, "borrow", "Mint sRUB against collateral", (*client.Client).Borrow),
		newAmountCmd(opts, "repay", "Repay sRUB debt", (*client.Client).Repay),
		newApproveCmd(opts),
		newCancelApprovalCmd(opts),
		newEventsCmd(opts),
		newKeysCmd(),
	)
	return root
}

func (o *globalOptions) client() (*client.Client, error) {
	return client.New(o.api, client.WithToken(o.token))
}

// render writes v as JSON or YAML, or calls table for the default format.
func (o *globalOptions) render(out io.Writer, v interface{}, table func(io.Writer) error) error {
	switch strings.ToLower(o.format) {
	case formatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// Round-trip through JSON so YAML keys match the API field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return table(out)
	}
}
