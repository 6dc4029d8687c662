package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditgen/internal/grpcserver"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	flagAddr           = "addr"
	flagAdminToken     = "admin-token"
	flagInsecure       = "insecure"
	flagTimeout        = "timeout"
	flagAccount        = "account"
	flagAmount         = "amount"
	flagDelta          = "delta"
	flagIdempotencyKey = "idempotency-key"
	flagNote           = "note"
	flagLimit          = "limit"
	flagBefore         = "before"
	envPrefix          = "CREDITCTL"
)

type clientConfig struct {
	Addr       string
	AdminToken string
	Insecure   bool
	Timeout    time.Duration
}

func main() {
	rootCmd := newRootCommand(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(output io.Writer) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operator client for the creditgen admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}
	cmd.PersistentFlags().String(flagAddr, "localhost:7000", "admin gRPC address")
	cmd.PersistentFlags().String(flagAdminToken, "", "shared admin secret")
	cmd.PersistentFlags().Bool(flagInsecure, true, "connect without TLS")
	cmd.PersistentFlags().Duration(flagTimeout, 10*time.Second, "RPC timeout")

	call := func(method string, request func(cmd *cobra.Command) (map[string]any, error)) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			fields, err := request(cmd)
			if err != nil {
				return err
			}
			return invoke(cmd.Context(), cfg, output, method, fields)
		}
	}

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Show available and reserved credits of an account",
		RunE: call(grpcserver.MethodGetBalance, func(cmd *cobra.Command) (map[string]any, error) {
			return accountRequest(cmd)
		}),
	}
	addAccountFlag(balanceCmd)

	depositCmd := &cobra.Command{
		Use:   "deposit",
		Short: "Credit an account",
		RunE: call(grpcserver.MethodDeposit, func(cmd *cobra.Command) (map[string]any, error) {
			return entryRequest(cmd, flagAmount)
		}),
	}
	addAccountFlag(depositCmd)
	depositCmd.Flags().Int64(flagAmount, 0, "credits to add (required)")
	addEntryFlags(depositCmd)

	adjustCmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a signed correction to an account",
		RunE: call(grpcserver.MethodAdjust, func(cmd *cobra.Command) (map[string]any, error) {
			return entryRequest(cmd, flagDelta)
		}),
	}
	addAccountFlag(adjustCmd)
	adjustCmd.Flags().Int64(flagDelta, 0, "signed credit correction (required)")
	addEntryFlags(adjustCmd)

	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List ledger entries, newest first",
		RunE: call(grpcserver.MethodListEntries, func(cmd *cobra.Command) (map[string]any, error) {
			fields, err := accountRequest(cmd)
			if err != nil {
				return nil, err
			}
			limit, _ := cmd.Flags().GetInt64(flagLimit)
			before, _ := cmd.Flags().GetInt64(flagBefore)
			fields["limit"] = limit
			if before > 0 {
				fields["before_entry_id"] = before
			}
			return fields, nil
		}),
	}
	addAccountFlag(entriesCmd)
	entriesCmd.Flags().Int64(flagLimit, 50, "page size")
	entriesCmd.Flags().Int64(flagBefore, 0, "only entries older than this entry id")

	jobCmd := &cobra.Command{
		Use:   "job <job-id>",
		Short: "Show a job of any account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return invoke(cmd.Context(), cfg, output, grpcserver.MethodGetJob, map[string]any{"job_id": args[0]})
		},
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Recompute an account from its entries and report inconsistencies",
		RunE: call(grpcserver.MethodReplay, func(cmd *cobra.Command) (map[string]any, error) {
			return accountRequest(cmd)
		}),
	}
	addAccountFlag(replayCmd)

	cmd.AddCommand(balanceCmd, depositCmd, adjustCmd, entriesCmd, jobCmd, replayCmd)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *clientConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagAddr, flagAdminToken, flagInsecure, flagTimeout} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	cfg.Addr = strings.TrimSpace(v.GetString(flagAddr))
	cfg.AdminToken = v.GetString(flagAdminToken)
	cfg.Insecure = v.GetBool(flagInsecure)
	cfg.Timeout = v.GetDuration(flagTimeout)
	if cfg.Addr == "" {
		return fmt.Errorf("%s is required", flagAddr)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", flagTimeout)
	}
	return nil
}

func addAccountFlag(cmd *cobra.Command) {
	cmd.Flags().Int64(flagAccount, 0, "account id (required)")
	_ = cmd.MarkFlagRequired(flagAccount)
}

func addEntryFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagIdempotencyKey, "", "idempotency key (required)")
	cmd.Flags().String(flagNote, "", "note stored with the entry")
	_ = cmd.MarkFlagRequired(flagIdempotencyKey)
}

func accountRequest(cmd *cobra.Command) (map[string]any, error) {
	accountID, err := cmd.Flags().GetInt64(flagAccount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account_id": accountID}, nil
}

func entryRequest(cmd *cobra.Command, amountFlag string) (map[string]any, error) {
	fields, err := accountRequest(cmd)
	if err != nil {
		return nil, err
	}
	amount, err := cmd.Flags().GetInt64(amountFlag)
	if err != nil {
		return nil, err
	}
	idempotencyKey, _ := cmd.Flags().GetString(flagIdempotencyKey)
	note, _ := cmd.Flags().GetString(flagNote)
	fields[strings.ReplaceAll(amountFlag, "-", "_")] = amount
	fields["idempotency_key"] = idempotencyKey
	fields["note"] = note
	return fields, nil
}

func invoke(ctx context.Context, cfg *clientConfig, output io.Writer, method string, fields map[string]any) error {
	transport := credentials.NewClientTLSFromCert(nil, "")
	if cfg.Insecure {
		transport = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(transport))
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	defer conn.Close()

	client, err := grpcserver.NewClient(conn, cfg.AdminToken)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	response, err := client.Call(callCtx, method, fields)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}
