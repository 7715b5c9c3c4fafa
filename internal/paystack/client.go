// Package paystack is a thin server-side client for the payment gateway's
// verify-transaction, transfer-recipient and transfer endpoints. It never
// mutates ledger state; it only reports gateway facts. All amounts cross
// this boundary in kobo.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultBaseURL = "https://api.paystack.co"

	requestTimeout = 10 * time.Second
)

// ErrVerificationFailed means the gateway knows the reference but did not
// report a successful charge.
var ErrVerificationFailed = errors.New("paystack: transaction not successful")

// ErrReferenceNotFound means the gateway has no record of the reference.
var ErrReferenceNotFound = errors.New("paystack: transaction reference not found")

// ErrTransferFailed means the gateway definitively rejected the transfer.
// No money moved; the caller may safely revert its claim.
var ErrTransferFailed = errors.New("paystack: transfer rejected")

// ErrAmbiguousOutcome means the transfer request was sent but the outcome is
// unknown (timeout or gateway-side 5xx). The transfer may or may not have
// executed; callers must not retry blindly.
var ErrAmbiguousOutcome = errors.New("paystack: transfer outcome unknown")

// Transaction is the gateway's verified view of a charge. AmountKobo is the
// amount the gateway actually collected.
type Transaction struct {
	Reference  string
	Status     string
	AmountKobo int64
	Currency   string
	PaidAt     string
}

// BankDetails identifies the destination bank account for a transfer
// recipient.
type BankDetails struct {
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankCode      string `json:"bank_code"`
}

// Transfer is the gateway's record of an initiated payout.
type Transfer struct {
	TransferCode string
	Status       string
	Reference    string
}

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient returns a gateway client authenticated with the given secret
// key. baseURL may be empty for production.
func NewClient(baseURL, secretKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// apiEnvelope is the common wrapper on every gateway response.
type apiEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// VerifyTransaction asks the gateway for the authoritative state of a charge
// reference. Returns ErrVerificationFailed unless the gateway reports
// success.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*Transaction, error) {
	endpoint := c.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	env, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		PaidAt   string `json:"paid_at"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: decode verify response: %w", err)
	}
	tx := &Transaction{
		Reference:  reference,
		Status:     data.Status,
		AmountKobo: data.Amount,
		Currency:   data.Currency,
		PaidAt:     data.PaidAt,
	}
	if data.Status != "success" {
		return tx, ErrVerificationFailed
	}
	return tx, nil
}

// CreateTransferRecipient registers a bank destination with the gateway and
// returns the recipient code to use on transfers.
func (c *Client) CreateTransferRecipient(ctx context.Context, bank BankDetails) (string, error) {
	payload := map[string]string{
		"type":           "nuban",
		"name":           bank.AccountName,
		"account_number": bank.AccountNumber,
		"bank_code":      bank.BankCode,
		"currency":       "NGN",
	}
	env, err := c.do(ctx, http.MethodPost, c.baseURL+"/transferrecipient", payload)
	if err != nil {
		return "", err
	}
	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("paystack: decode recipient response: %w", err)
	}
	if data.RecipientCode == "" {
		return "", fmt.Errorf("paystack: empty recipient code: %s", env.Message)
	}
	return data.RecipientCode, nil
}

// InitiateTransfer sends amountKobo to the recipient. reference must be
// unique per transfer attempt; the gateway deduplicates on it, which is what
// makes operator reconciliation of an ambiguous outcome safe.
func (c *Client) InitiateTransfer(ctx context.Context, recipientCode string, amountKobo int64, reference, reason string) (*Transfer, error) {
	payload := map[string]any{
		"source":    "balance",
		"amount":    amountKobo,
		"recipient": recipientCode,
		"reference": reference,
		"reason":    reason,
	}
	env, err := c.do(ctx, http.MethodPost, c.baseURL+"/transfer", payload)
	if err != nil {
		if errors.Is(err, ErrAmbiguousOutcome) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	var data struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
		Reference    string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("paystack: decode transfer response: %w", err)
	}
	return &Transfer{TransferCode: data.TransferCode, Status: data.Status, Reference: data.Reference}, nil
}

// do executes one gateway request. Network failures and gateway-side 5xx on
// mutating calls are reported as ErrAmbiguousOutcome because the request may
// have been applied; 4xx responses are definitive rejections.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (*apiEnvelope, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if method == http.MethodGet {
			return nil, fmt.Errorf("paystack: request failed: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousOutcome, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("paystack: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		if method == http.MethodGet {
			return nil, fmt.Errorf("paystack: server error %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: server error %d", ErrAmbiguousOutcome, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrReferenceNotFound
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("paystack: decode response (%d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || !env.Status {
		return nil, fmt.Errorf("paystack: %s (http %d)", env.Message, resp.StatusCode)
	}
	return &env, nil
}
