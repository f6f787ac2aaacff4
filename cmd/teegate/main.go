package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aspect-build/teegate/internal/attestation"
	"github.com/aspect-build/teegate/internal/client"
	"github.com/aspect-build/teegate/internal/logx"
	"github.com/aspect-build/teegate/internal/reqsig"
	"github.com/aspect-build/teegate/internal/version"
)

// devCommands is populated by dev.go (build tag "dev") with dev-only subcommands.
var devCommands []*cobra.Command

const defaultKeyPath = "teegate-key.json"

type globalFlags struct {
	serverURL string
	keyPath   string
	insecure  bool
	logLevel  string
	verbose   bool
}

// resolveServerURL returns the server URL from the flag or TEEGATE_SERVER_URL env var.
// Returns an error if neither is set.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	if cmd.Flags().Changed("server") {
		return strings.TrimRight(flagValue, "/"), nil
	}
	if v := os.Getenv("TEEGATE_SERVER_URL"); v != "" {
		return strings.TrimRight(v, "/"), nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set TEEGATE_SERVER_URL")
}

func resolveKeyPath(cmd *cobra.Command, flagValue string) string {
	if cmd.Flags().Changed("key") {
		return flagValue
	}
	if v := os.Getenv("TEEGATE_KEY_FILE"); v != "" {
		return v
	}
	return flagValue
}

// newClient builds an API client. Signed commands load the key file;
// read-only commands skip it.
func (g *globalFlags) newClient(cmd *cobra.Command, signed bool) (*client.Client, error) {
	serverURL, err := resolveServerURL(cmd, g.serverURL)
	if err != nil {
		return nil, err
	}
	var signer *reqsig.Signer
	if signed {
		key, err := client.LoadKey(resolveKeyPath(cmd, g.keyPath))
		if err != nil {
			return nil, fmt.Errorf("load key: %w", err)
		}
		signer = reqsig.NewSigner(key)
	}
	return client.New(serverURL, signer, g.insecure)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:          "teegate",
		Short:        "Teegate - attestation-gated agent registry client",
		Version:      version.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logx.Configure(g.logLevel, g.verbose)
		},
	}
	rootCmd.SetVersionTemplate(version.String("teegate") + "\n")

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.serverURL, "server", "", "Teegate server URL (or set TEEGATE_SERVER_URL)")
	pf.StringVar(&g.keyPath, "key", defaultKeyPath, "Path to the signing key file (or set TEEGATE_KEY_FILE)")
	pf.BoolVar(&g.insecure, "insecure", false, "Allow plaintext HTTP connection to server")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug|info|warn|error (or TEEGATE_LOG_LEVEL)")
	pf.BoolVar(&g.verbose, "verbose", false, "Enable verbose debug logs (same as --log-level debug)")

	rootCmd.AddCommand(
		newRegisterCmd(g),
		newAgentCmd(g),
		newAgentsCmd(g),
		newApproveCmd(g),
		newRevokeCmd(g),
		newCodehashesCmd(g),
		newPayCmd(g),
		newBalanceCmd(g),
		newWhoamiCmd(g),
	)
	for _, cmd := range devCommands {
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRegisterCmd(g *globalFlags) *cobra.Command {
	var (
		collateralPath string
		checksum       string
		dstackEndpoint string
		quoteSource    string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this CVM as a worker",
		Long: `Generate a TDX quote whose report data is this client's address, collect
tcb_info from the dstack guest agent and submit both with the PCS collateral
in --collateral. Must run inside a dstack CVM. The quote comes from the guest
agent unless --quote-source=configfs selects the kernel TDX interface.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, true)
			if err != nil {
				return err
			}
			var quotes attestation.QuoteProvider
			switch quoteSource {
			case "agent":
			case "configfs":
				quotes = attestation.ConfigFSQuoteProvider{}
			default:
				return fmt.Errorf("unknown --quote-source %q (want agent or configfs)", quoteSource)
			}
			collector := attestation.NewDstackCollector(dstackEndpoint, quotes)
			resp, err := c.RegisterSelf(cmd.Context(), collector, collateralPath, checksum)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}

	cmd.Flags().StringVar(&collateralPath, "collateral", "", "Path to the quote collateral JSON")
	cmd.Flags().StringVar(&checksum, "checksum", "", "Application label stored with the registration")
	cmd.Flags().StringVar(&dstackEndpoint, "dstack-endpoint", "", "dstack guest agent endpoint (default: SDK default socket)")
	cmd.Flags().StringVar(&quoteSource, "quote-source", "agent", "Quote source: agent (dstack guest agent) or configfs (bare TDX guest)")
	_ = cmd.MarkFlagRequired("collateral")

	return cmd
}

func newAgentCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agent <identity>",
		Short: "Show the worker registered under an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, false)
			if err != nil {
				return err
			}
			w, err := c.GetAgent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(w)
		},
	}
}

func newAgentsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, false)
			if err != nil {
				return err
			}
			workers, err := c.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(workers)
		},
	}
}

func newApproveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <codehash>",
		Short: "[owner] Add a codehash to the allow-list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, true)
			if err != nil {
				return err
			}
			added, err := c.ApproveCodehash(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintf(os.Stderr, "teegate: %s was already approved\n", args[0])
			}
			return nil
		},
	}
}

func newRevokeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <codehash>",
		Short: "[owner] Remove a codehash from the allow-list",
		Long: `Remove a codehash from the allow-list. Workers registered with it stay
recorded but can no longer call privileged operations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, true)
			if err != nil {
				return err
			}
			removed, err := c.RevokeCodehash(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(os.Stderr, "teegate: %s was not approved\n", args[0])
			}
			return nil
		},
	}
}

func newCodehashesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "codehashes",
		Short: "List approved codehashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, false)
			if err != nil {
				return err
			}
			list, err := c.ListCodehashes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(list)
		},
	}
}

func newPayCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pay <target> <amount>",
		Short: "[worker] Schedule a vault transfer to target",
		Long: `Ask the server to transfer amount (base units) from the vault to target.
Success only means the transfer was queued; its outcome is not reported.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, true)
			if err != nil {
				return err
			}
			ticket, err := c.Pay(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(ticket)
		},
	}
}

func newBalanceCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the vault balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, false)
			if err != nil {
				return err
			}
			bal, err := c.Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(bal)
			return nil
		},
	}
}

func newWhoamiCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show this client's identity and its registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.newClient(cmd, true)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			fmt.Fprintf(os.Stderr, "Identity : %s\n", c.Identity())

			owner, err := c.Owner(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Owner    : %v\n", owner == c.Identity())

			w, err := c.GetAgent(ctx, c.Identity())
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Code == "not_found" {
					fmt.Fprintf(os.Stderr, "Worker   : not registered\n")
					return nil
				}
				return err
			}
			fmt.Fprintf(os.Stderr, "Worker   : codehash=%s checksum=%s updated=%s\n", w.Codehash, w.Checksum, w.UpdatedAt.Format("2006-01-02T15:04:05Z"))
			return nil
		},
	}
}
