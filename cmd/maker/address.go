package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"rollup-swap/internal/cosign"
	"rollup-swap/internal/jointaccount"
)

func (a *app) addressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the maker's address and rollup signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.prepare(); err != nil {
				return err
			}
			maker, err := a.makerKey()
			if err != nil {
				return err
			}

			pub := maker.Rollup.PublicKey()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:      %s\n", maker.Address.Hex())
			fmt.Fprintf(out, "public key:   %s\n", hexutil.Encode(pub))
			fmt.Fprintf(out, "pub key hash: %s\n", jointaccount.PubKeyHash(cosign.PubKeyHash(pub)))
			return nil
		},
	}
}
