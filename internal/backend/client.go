package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Guizzs26/cu-sync-agent/internal/models"
)

// Remote procedure names exposed by the hosted backend.
const (
	fnBatchDeposits     = "batch_process_deposits"
	fnBatchWithdrawals  = "batch_process_withdrawals"
	fnBatchLoanPayments = "batch_process_loan_payments"
	fnBulkCreateUsers   = "bulk_create_users"
	fnListUserEmails    = "list_user_emails"
)

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Function string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc %s returned status %d: %s", e.Function, e.Status, e.Body)
}

// Client calls the hosted backend's RPC surface over HTTP. Every call is a
// POST of a JSON object to {baseURL}/rpc/{function}.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type batchRequest struct {
	Transactions []models.QueuedTransaction `json:"transactions"`
}

// BatchProcess submits one chunk of queued transactions of a single type.
func (c *Client) BatchProcess(ctx context.Context, kind models.TransactionType, txs []models.QueuedTransaction) (models.BatchResult, error) {
	fn, err := batchFunction(kind)
	if err != nil {
		return models.BatchResult{}, err
	}

	var result models.BatchResult
	if err := c.call(ctx, fn, batchRequest{Transactions: txs}, &result); err != nil {
		return models.BatchResult{}, err
	}
	return result, nil
}

// BulkCreateUsers submits the approved import records in a single call.
func (c *Client) BulkCreateUsers(ctx context.Context, req models.BulkCreateRequest) (models.BulkCreateResult, error) {
	var result models.BulkCreateResult
	if err := c.call(ctx, fnBulkCreateUsers, req, &result); err != nil {
		return models.BulkCreateResult{}, err
	}
	return result, nil
}

type emailRow struct {
	Email string `json:"email"`
}

// ListUserEmails returns the emails of every known user, used as the
// duplicate-detection snapshot for bulk imports.
func (c *Client) ListUserEmails(ctx context.Context) ([]string, error) {
	var rows []emailRow
	if err := c.call(ctx, fnListUserEmails, struct{}{}, &rows); err != nil {
		return nil, err
	}

	emails := make([]string, 0, len(rows))
	for _, r := range rows {
		emails = append(emails, r.Email)
	}
	return emails, nil
}

func batchFunction(kind models.TransactionType) (string, error) {
	switch kind {
	case models.TypeDeposit:
		return fnBatchDeposits, nil
	case models.TypeWithdrawal:
		return fnBatchWithdrawals, nil
	case models.TypeLoanPayment:
		return fnBatchLoanPayments, nil
	default:
		return "", fmt.Errorf("unsupported transaction type: %s", kind)
	}
}

func (c *Client) call(ctx context.Context, fn string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", fn, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+fn, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", fn, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Backend call finished", "function", fn, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Function: fn, Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", fn, err)
	}
	return nil
}
