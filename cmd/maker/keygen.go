package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rollup-swap/internal/keys"
)

func (a *app) keygenCmd() *cobra.Command {
	var out, passphrase string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a maker key and store it age-encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.prepare(); err != nil {
				return err
			}
			if passphrase == "" {
				passphrase = a.v.GetString("key_passphrase")
			}
			if passphrase == "" {
				return errors.New("passphrase required: --passphrase or MAKER_KEY_PASSPHRASE")
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}

			ethKey, err := keys.Generate()
			if err != nil {
				return err
			}
			if err := keys.Save(out, ethKey, passphrase); err != nil {
				return err
			}
			maker, err := keys.NewMaker(ethKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s for %s\n", out, maker.Address.Hex())
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "maker.key", "Output key file")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Key file passphrase")
	return cmd
}
