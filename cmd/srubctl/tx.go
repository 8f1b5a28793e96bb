package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ofzlend/services/lending/client"
	"ofzlend/services/lending/engine"
)

type amountFunc func(c *client.Client, ctx context.Context, amount string, wait bool) (client.Record, error)

func newAmountCmd(opts *globalOptions, name, short string, fn amountFunc) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   name + " <amount>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := fn(c, cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			return opts.renderRecord(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the transaction settles")
	return cmd
}

func newDepositCmd(opts *globalOptions) *cobra.Command {
	var wait, approve bool
	cmd := &cobra.Command{
		Use:   "deposit <token> <amount>",
		Short: "Deposit bond tokens as collateral",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := c.Deposit(cmd.Context(), args[0], args[1], wait)
			pending, parked := client.AllowanceRequired(err)
			switch {
			case parked && approve:
				fmt.Fprintln(cmd.ErrOrStderr(), "allowance too low; submitting approval")
				rec, err = c.Approve(cmd.Context(), wait)
			case parked:
				if pending != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "deposit of %s parked until %s is approved; run `srubctl approve`\n", pending.Amount, pending.Token)
				}
				return err
			}
			if err != nil {
				return err
			}
			return opts.renderRecord(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the transaction settles")
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the token automatically when the allowance is too low")
	return cmd
}

func newApproveCmd(opts *globalOptions) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve the token for the parked deposit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := c.Approve(cmd.Context(), wait)
			if err != nil {
				return err
			}
			return opts.renderRecord(cmd.OutOrStdout(), rec)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the approval and deposit settle")
	return cmd
}

func newCancelApprovalCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-approval",
		Short: "Drop the parked deposit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			pending, err := c.CancelApproval(cmd.Context())
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), pending, func(out io.Writer) error {
				_, err := fmt.Fprintf(out, "cancelled deposit of %s %s\n", pending.Amount, pending.Token)
				return err
			})
		},
	}
}

func newEventsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream transaction notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = c.Events(cmd.Context(), func(n engine.Notification) {
				_ = opts.render(out, n, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s [%s] %s: %s\n", n.Time.Format("15:04:05"), n.Level, n.Title, n.Message)
					return err
				})
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func (o *globalOptions) renderRecord(out io.Writer, rec client.Record) error {
	err := o.render(out, rec, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s %s: %s", rec.Operation, rec.ID, rec.State)
		if err != nil {
			return err
		}
		if rec.Hash != "" {
			fmt.Fprintf(w, " (%s)", rec.Hash)
		}
		if _, err = fmt.Fprintln(w); err != nil {
			return err
		}
		if f := rec.FollowUp; f != nil {
			_, err = fmt.Fprintf(w, "  then %s %s: %s\n", f.Operation, f.ID, f.State)
		}
		return err
	})
	if err != nil {
		return err
	}
	if failed, ok := rec.Failed(); ok {
		return fmt.Errorf("%s failed: %s", failed.Operation, failed.Error)
	}
	return nil
}
