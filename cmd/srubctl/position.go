package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ofzlend/services/lending/client"
)

func newPositionCmd(opts *globalOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "position",
		Short: "Show collateral, debt and health of the connected wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			pos, err := c.Position(cmd.Context(), refresh)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), pos, func(out io.Writer) error {
				return printPosition(out, pos)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-read the ledger before answering")
	return cmd
}

func printPosition(out io.Writer, pos client.Position) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	factor := pos.Health.Factor
	if pos.Health.Infinite {
		factor = "∞"
	}
	fmt.Fprintf(tw, "Owner\t%s\n", pos.Owner)
	fmt.Fprintf(tw, "Collateral value\t%s RUB\n", pos.CollateralValue)
	fmt.Fprintf(tw, "Debt\t%s sRUB\n", pos.Debt)
	fmt.Fprintf(tw, "Health factor\t%s (%s)\n", factor, pos.Health.Tier)
	fmt.Fprintf(tw, "Loan to value\t%s%%\n", pos.Health.LoanToValue)
	fmt.Fprintf(tw, "Liquidation proximity\t%s%%\n", pos.Health.LiquidationProximity)
	fmt.Fprintf(tw, "Borrow headroom\t%s sRUB\n", pos.Health.BorrowHeadroom)
	if pos.Health.Liquidatable {
		fmt.Fprintf(tw, "Status\tLIQUIDATABLE\n")
	}
	for _, lot := range pos.Lots {
		fmt.Fprintf(tw, "Lot %s\t%s\n", lot.Token, lot.Amount)
	}
	if pos.PendingApproval != nil {
		fmt.Fprintf(tw, "Pending approval\t%s of %s\n", pos.PendingApproval.Amount, pos.PendingApproval.Token)
	}
	fmt.Fprintf(tw, "Sequencer\t%s\n", pos.Sequencer.State)
	return tw.Flush()
}

func newPortfolioCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "portfolio",
		Short: "List bond holdings valued at oracle prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			summary, err := c.Portfolio(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), summary, func(out io.Writer) error {
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "BOND\tTOKEN\tBALANCE\tPRICE\tVALUE")
				for _, h := range summary.Holdings {
					name := h.ShortName
					if name == "" {
						name = h.Bond.Name
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, h.Bond.Token.Hex(), h.Balance, h.Price, h.Value)
				}
				fmt.Fprintf(tw, "TOTAL\t\t\t\t%s\n", summary.Total)
				return tw.Flush()
			})
		},
	}
}

func newTransactionsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List journaled transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			recs, err := c.Transactions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), recs, func(out io.Writer) error {
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "SUBMITTED\tOPERATION\tAMOUNT\tSTATE\tHASH")
				for _, rec := range recs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.SubmittedAt.Format("2006-01-02 15:04:05"), rec.Operation, rec.Amount, rec.State, rec.Hash)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

func newPreviewCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preview-withdraw <amount>",
		Short: "Check whether an amount of collateral can be withdrawn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			preview, err := c.PreviewWithdraw(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), preview, func(out io.Writer) error {
				if preview.CanWithdraw {
					_, err := fmt.Fprintf(out, "withdrawing %s is allowed; %s sRUB would be burned\n", preview.Amount, preview.SRUBToBurn)
					return err
				}
				_, err := fmt.Fprintf(out, "withdrawing %s would breach the collateralization ratio\n", preview.Amount)
				return err
			})
		},
	}
}
