package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// NewTxCmd создаёт команду "tx" с подкомандами.
func NewTxCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tx",
		Aliases: []string{"transaction"},
		Short:   "Manage transactions",
	}

	cmd.AddCommand(
		newTxSubmitCmd(clientFn, outputFn),
		newTxShowCmd(clientFn, outputFn),
		newTxListCmd(clientFn, outputFn),
	)

	return cmd
}

// submitFlags — поля транзакции, заданные флагами.
type submitFlags struct {
	file            string
	amount          string
	currency        string
	userID          string
	merchantID      string
	merchantName    string
	paymentMethod   string
	country         string
	merchantCountry string
	accountAgeDays  int
}

// payload собирает документ транзакции из флагов.
func (f *submitFlags) payload(cmd *cobra.Command, now time.Time) (json.RawMessage, error) {
	amount, err := decimal.NewFromString(f.amount)
	if err != nil {
		return nil, fmt.Errorf("invalid --amount %q: %w", f.amount, err)
	}

	doc := map[string]any{
		"amount":         json.Number(amount.String()),
		"currency":       f.currency,
		"user_id":        f.userID,
		"merchant_id":    f.merchantID,
		"merchant_name":  f.merchantName,
		"payment_method": f.paymentMethod,
		"created_at":     now.UTC().Format(time.RFC3339),
	}
	if f.country != "" {
		doc["country"] = f.country
	}
	if f.merchantCountry != "" {
		doc["merchant_country"] = f.merchantCountry
	}
	if cmd.Flags().Changed("account-age-days") {
		doc["user_account_age_days"] = f.accountAgeDays
	}

	return json.Marshal(doc)
}

// readPayload читает документ из файла или stdin ("-").
func readPayload(path string, stdin io.Reader) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return data, nil
}

func newTxSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var f submitFlags

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transaction for processing",
		Example: `  txpipe tx submit --file tx.json
  cat tx.json | txpipe tx submit --file -
  txpipe tx submit --amount 120.50 --currency USD --user-id 42 \
      --merchant-id 7 --merchant-name "Coffee Shop" --payment-method card`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				payload json.RawMessage
				err     error
			)
			if f.file != "" {
				payload, err = readPayload(f.file, cmd.InOrStdin())
			} else {
				for _, name := range []string{"amount", "currency", "user-id", "merchant-id", "merchant-name"} {
					if !cmd.Flags().Changed(name) {
						return fmt.Errorf("--%s is required without --file", name)
					}
				}
				payload, err = f.payload(cmd, time.Now())
			}
			if err != nil {
				return err
			}

			tx, err := clientFn().SubmitTransaction(cmd.Context(), payload)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Transaction %s accepted", tx.ID))
			out.Details([][2]string{
				{"ID", tx.ID},
				{"Status", tx.Status},
				{"Stage", tx.Stage},
				{"Created", tx.CreatedAt},
			}, tx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Path to transaction JSON (- for stdin)")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Amount, e.g. 120.50")
	cmd.Flags().StringVar(&f.currency, "currency", "", "ISO 4217 currency code")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "User ID")
	cmd.Flags().StringVar(&f.merchantID, "merchant-id", "", "Merchant ID")
	cmd.Flags().StringVar(&f.merchantName, "merchant-name", "", "Merchant name")
	cmd.Flags().StringVar(&f.paymentMethod, "payment-method", "card", "Payment method")
	cmd.Flags().StringVar(&f.country, "country", "", "Cardholder country")
	cmd.Flags().StringVar(&f.merchantCountry, "merchant-country", "", "Merchant country")
	cmd.Flags().IntVar(&f.accountAgeDays, "account-age-days", 0, "Account age in days")
	cmd.MarkFlagsMutuallyExclusive("file", "amount")

	return cmd
}

func newTxShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show transaction state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tx, err := clientFn().GetTransaction(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Details([][2]string{
				{"ID", tx.ID},
				{"Status", tx.Status},
				{"Stage", tx.Stage},
				{"Risk score", formatScore(tx.RiskScore)},
				{"Reason", tx.Reason},
				{"Created", tx.CreatedAt},
				{"Updated", tx.UpdatedAt},
			}, tx)
			return nil
		},
	}
}

func newTxListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListTransactionsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			txs, err := clientFn().ListTransactions(cmd.Context(), opts)
			if err != nil {
				return err
			}

			headers := []string{"ID", "STATUS", "STAGE", "RISK", "REASON", "CREATED"}
			table := make([][]string, len(txs))
			for i, tx := range txs {
				table[i] = []string{
					tx.ID,
					tx.Status,
					orDash(tx.Stage),
					orDash(formatScore(tx.RiskScore)),
					orDash(tx.Reason),
					tx.CreatedAt,
				}
			}

			outputFn().Print(headers, table, txs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (RECEIVED, PENDING, APPROVED, REJECTED, FAILED)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "Filter by stage")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Max results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip first N results")

	return cmd
}

func formatScore(score *float64) string {
	if score == nil {
		return ""
	}
	return strconv.FormatFloat(*score, 'f', 2, 64)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
