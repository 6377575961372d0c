package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// SubmitResponse — ответ на приём транзакции.
type SubmitResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Stage     string `json:"stage,omitempty"`
	CreatedAt string `json:"created_at"`
}

// TransactionResponse — транзакция из API.
type TransactionResponse struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Stage     string          `json:"stage,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RiskScore *float64        `json:"risk_score,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

// ReplayResponse — результат переотправки DLQ.
type ReplayResponse struct {
	Stage    string `json:"stage"`
	Queue    string `json:"queue"`
	Replayed int    `json:"replayed"`
}

// ListTransactionsOpts — параметры фильтрации транзакций.
type ListTransactionsOpts struct {
	Status string
	Stage  string
	Limit  int
	Offset int
}

// APIError — ответ API с ошибкой.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fields     []FieldError
}

// FieldError — ошибка в поле транзакции.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	for _, f := range e.Fields {
		msg += fmt.Sprintf("\n  %s: %s", f.Field, f.Message)
	}
	return msg
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string       `json:"code"`
		Message string       `json:"message"`
		Fields  []FieldError `json:"fields"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для txpipe API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Transactions ---

// SubmitTransaction отправляет документ транзакции как есть.
func (c *Client) SubmitTransaction(ctx context.Context, payload json.RawMessage) (*SubmitResponse, error) {
	var tx SubmitResponse
	err := c.doData(ctx, http.MethodPost, "/api/v1/transactions", payload, &tx)
	return &tx, err
}

// GetTransaction возвращает транзакцию по ID.
func (c *Client) GetTransaction(ctx context.Context, id string) (*TransactionResponse, error) {
	var tx TransactionResponse
	err := c.doData(ctx, http.MethodGet, "/api/v1/transactions/"+url.PathEscape(id), nil, &tx)
	return &tx, err
}

// ListTransactions возвращает список транзакций с фильтрацией.
func (c *Client) ListTransactions(ctx context.Context, opts ListTransactionsOpts) ([]TransactionResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Stage != "" {
		params.Set("stage", opts.Stage)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}

	var txs []TransactionResponse
	err := c.list(ctx, "/api/v1/transactions", params, &txs)
	return txs, err
}

// --- Dead letters ---

// ReplayDeadLetters переотправляет сообщения из DLQ стадии.
func (c *Client) ReplayDeadLetters(ctx context.Context, stage string, limit int) (*ReplayResponse, error) {
	path := "/api/v1/dlq/" + url.PathEscape(stage) + "/replay"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var res ReplayResponse
	err := c.doData(ctx, http.MethodPost, path, nil, &res)
	return &res, err
}

// --- HTTP helpers ---

func (c *Client) list(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body json.RawMessage, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body json.RawMessage) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
		apiErr.Fields = er.Error.Fields
	}
	return apiErr
}
