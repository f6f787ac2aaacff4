//go:build dev

package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/aspect-build/teegate/internal/client"
)

func init() {
	devCommands = append(devCommands, newKeygenCmd())
}

func newKeygenCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "[dev] Generate a new signing key file and print its address",
		Long: `Generate a fresh secp256k1 key, write it to --output and print the
address requests will be signed as.

NOTE: This command is only available in dev builds (go build -tags dev).
Inside a CVM the agent's key is provisioned by the deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return keygen(output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", defaultKeyPath, "Output path for key file")

	return cmd
}

func keygen(output string) error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := client.SaveKey(output, key); err != nil {
		return err
	}

	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	fmt.Fprintf(os.Stderr, "Wrote %s\n", output)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "Address : %s\n", addr)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "Use the address as TEEGATE_OWNER, or as the agent identity\n")
	fmt.Fprintf(os.Stderr, "embedded in the quote report data by `teegate register`.\n")

	return nil
}
