package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"ofzlend/internal/passphrase"
	"ofzlend/crypto"
)

func newKeysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage the wallet keystore used by lendingd",
	}
	var out, passEnv, passFile string
	var force bool
	create := &cobra.Command{
		Use:   "new",
		Short: "Generate a wallet key and write it to an encrypted keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists; pass --force to overwrite", out)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			pass, err := passphrase.NewSource(passEnv, passFile).Get()
			if err != nil {
				return err
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveToKeystore(out, key, pass); err != nil {
				return fmt.Errorf("write keystore: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wallet %s written to %s\n", crypto.AddressOf(key).Hex(), out)
			return nil
		},
	}
	create.Flags().StringVar(&out, "out", defaultKeystore, "keystore output path")
	create.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable containing the keystore passphrase")
	create.Flags().StringVar(&passFile, "pass-file", "", "file containing the keystore passphrase")
	create.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore file")

	var in string
	show := &cobra.Command{
		Use:   "address",
		Short: "Print the wallet address stored in a keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pass, err := passphrase.NewSource(passEnv, passFile).Get()
			if err != nil {
				return err
			}
			key, err := crypto.LoadFromKeystore(in, pass)
			if err != nil {
				return fmt.Errorf("open keystore: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), crypto.AddressOf(key).Hex())
			return err
		},
	}
	show.Flags().StringVar(&in, "keystore", defaultKeystore, "keystore path")
	show.Flags().StringVar(&passEnv, "pass-env", defaultPassEnv, "environment variable containing the keystore passphrase")
	show.Flags().StringVar(&passFile, "pass-file", "", "file containing the keystore passphrase")

	keys.AddCommand(create, show)
	return keys
}
