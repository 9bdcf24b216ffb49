package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/segyhp/tutoring-contracts/internal/app"
	"github.com/segyhp/tutoring-contracts/internal/config"
	"github.com/segyhp/tutoring-contracts/internal/gateway"
	"github.com/segyhp/tutoring-contracts/internal/middleware"
	customError "github.com/segyhp/tutoring-contracts/pkg/errors"
	"github.com/segyhp/tutoring-contracts/pkg/utils"
)

// withApp loads configuration, wires the services and hands them to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Logging)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cancel expired payment reservations and expire unsigned contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			overdue, _ := cmd.Flags().GetBool("overdue")

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				now := time.Now()
				cancelled, err := a.Sweeper.SweepPayments(ctx, now)
				if err != nil {
					return err
				}
				expired, err := a.Sweeper.ExpireContracts(ctx, now)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "payments cancelled: %d\n", cancelled)
				fmt.Fprintf(out, "contracts expired:  %d\n", len(expired))
				for _, id := range expired {
					fmt.Fprintf(out, "  %s\n", id)
				}

				if overdue {
					marked, err := a.Sweeper.MarkOverdue(ctx, now)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "installments overdue: %d\n", marked)
				}
				return nil
			})
		},
	}

	cmd.Flags().Bool("overdue", false, "Also mark installments past their due date")

	return cmd
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess [orderRef]",
		Short: "Settle a payment again from its stored gateway callback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Payments.Reprocess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
}

func verifySnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-snapshot [contractID]",
		Short: "Recompute the content hash of a locked contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid contract id: %w", err)
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				result, err := a.Contracts.VerifySnapshot(ctx, id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.Valid {
					return customError.WrapSnapshotMismatch(id.String())
				}
				return nil
			})
		},
	}
}

func simulateCallbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate-callback [orderRef]",
		Short: "Print a signed gateway callback query for a sandbox order",
		Long: `Builds the query string the payment provider would send to the IPN
endpoint, signed with GATEWAY_HASH_SECRET. Append it to
/api/v1/payments/gateway/ipn to replay a callback.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amountStr, _ := cmd.Flags().GetString("amount")
			status, _ := cmd.Flags().GetString("status")
			txn, _ := cmd.Flags().GetString("transaction-no")

			amount, err := decimal.NewFromString(amountStr)
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			gw, err := gateway.NewVNPay(cfg.Gateway)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), callbackQuery(gw, cfg.Gateway, args[0], amount, status, txn, time.Now()))
			return nil
		},
	}

	cmd.Flags().StringP("amount", "a", "", "Amount in currency units (required)")
	cmd.Flags().StringP("status", "s", "00", "Transaction status, 00 is success")
	cmd.Flags().String("transaction-no", "0", "Provider transaction number")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func callbackQuery(gw *gateway.VNPay, cfg config.GatewayConfig, orderRef string, amount decimal.Decimal, status, txn string, now time.Time) string {
	responseCode := "00"
	if status != "00" {
		responseCode = "24"
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}

	params := url.Values{
		"vnp_TmnCode":           {cfg.TmnCode},
		"vnp_TxnRef":            {orderRef},
		"vnp_Amount":            {strconv.FormatInt(utils.ToSmallestUnit(amount, cfg.AmountMultiplier), 10)},
		"vnp_ResponseCode":      {responseCode},
		"vnp_TransactionStatus": {status},
		"vnp_TransactionNo":     {txn},
		"vnp_BankCode":          {"NCB"},
		"vnp_PayDate":           {now.In(loc).Format("20060102150405")},
	}
	return gw.SignCallback(params).Encode()
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue an API token for a user id, for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set")
			}

			now := time.Now()
			signed, err := middleware.IssueToken([]byte(cfg.Auth.JWTSecret), args[0], role, jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), signed)
			return nil
		},
	}

	cmd.Flags().StringP("role", "r", "user", "Role claim")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")

	return cmd
}
