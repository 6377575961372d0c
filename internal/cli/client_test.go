package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const txID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_SubmitTransaction(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/transactions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)

		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
			"id":         txID,
			"status":     "RECEIVED",
			"stage":      "INGESTING",
			"created_at": "2026-01-02T03:04:05Z",
		}})
	}))
	defer srv.Close()

	payload := json.RawMessage(`{"amount":"10.00","currency":"USD"}`)
	tx, err := NewClient(srv.URL).SubmitTransaction(context.Background(), payload)
	require.NoError(t, err)

	assert.JSONEq(t, string(payload), string(gotBody))
	assert.Equal(t, txID, tx.ID)
	assert.Equal(t, "RECEIVED", tx.Status)
	assert.Equal(t, "INGESTING", tx.Stage)
}

func TestClient_GetTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transactions/"+txID, r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"id":         txID,
			"status":     "REJECTED",
			"stage":      "DONE",
			"risk_score": 0.85,
			"reason":     "risk score 0.85 is not below 0.70",
		}})
	}))
	defer srv.Close()

	tx, err := NewClient(srv.URL).GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	require.NotNil(t, tx.RiskScore)
	assert.InDelta(t, 0.85, *tx.RiskScore, 1e-9)
	assert.Equal(t, "REJECTED", tx.Status)
	assert.Contains(t, tx.Reason, "risk score")
}

func TestClient_ListTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "PENDING", q.Get("status"))
		assert.Equal(t, "RISK_SCORING", q.Get("stage"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Empty(t, q.Get("offset"))

		writeJSON(w, http.StatusOK, map[string]any{
			"data": []map[string]any{
				{"id": txID, "status": "PENDING", "stage": "RISK_SCORING"},
			},
			"total": 1,
		})
	}))
	defer srv.Close()

	txs, err := NewClient(srv.URL).ListTransactions(context.Background(), ListTransactionsOpts{
		Status: "PENDING",
		Stage:  "RISK_SCORING",
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, txID, txs[0].ID)
}

func TestClient_ReplayDeadLetters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/dlq/rules/replay", r.URL.Path)
		assert.Equal(t, "20", r.URL.Query().Get("limit"))

		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"stage": "rules", "queue": "rules_queue.dlq", "replayed": 3,
		}})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).ReplayDeadLetters(context.Background(), "rules", 20)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Replayed)
	assert.Equal(t, "rules_queue.dlq", res.Queue)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{
			"code":    "VALIDATION_ERROR",
			"message": "invalid transaction",
			"fields": []map[string]any{
				{"field": "currency", "message": "is required"},
			},
		}})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SubmitTransaction(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", apiErr.Code)
	require.Len(t, apiErr.Fields, 1)
	assert.Contains(t, err.Error(), "currency: is required")
}

func TestClient_APIErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetTransaction(context.Background(), txID)
	assert.EqualError(t, err, "API error: HTTP 502")
}

func TestTxSubmitCmd_FromFlags(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
			"id": txID, "status": "RECEIVED", "stage": "INGESTING",
		}})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	cmd := NewTxCmd(
		func() *Client { return NewClient(srv.URL) },
		func() *Output { return NewOutputTo(false, &stdout, &stderr) },
	)
	cmd.SetArgs([]string{
		"submit",
		"--amount", "120.50",
		"--currency", "USD",
		"--user-id", "u-42",
		"--merchant-id", "m-7",
		"--merchant-name", "Coffee Shop",
		"--account-age-days", "12",
	})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.InDelta(t, 120.5, got["amount"], 1e-9)
	assert.Equal(t, "USD", got["currency"])
	assert.Equal(t, "u-42", got["user_id"])
	assert.Equal(t, "card", got["payment_method"])
	assert.EqualValues(t, 12, got["user_account_age_days"])
	assert.NotEmpty(t, got["created_at"])
	assert.NotContains(t, got, "country")

	assert.Contains(t, stderr.String(), "Transaction "+txID+" accepted")
	assert.Contains(t, stdout.String(), "INGESTING")
}

func TestTxSubmitCmd_RequiresFields(t *testing.T) {
	cmd := NewTxCmd(
		func() *Client { return NewClient("http://127.0.0.1:0") },
		func() *Output { return NewOutputTo(false, io.Discard, io.Discard) },
	)
	cmd.SetArgs([]string{"submit", "--amount", "10"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.ExecuteContext(context.Background())
	assert.EqualError(t, err, "--currency is required without --file")
}

func TestTxSubmitCmd_FromStdin(t *testing.T) {
	doc := `{"amount": 5, "currency": "EUR", "user_id": "u", "merchant_id": "m", "merchant_name": "n"}`
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{"id": txID}})
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	cmd := NewTxCmd(
		func() *Client { return NewClient(srv.URL) },
		func() *Output { return NewOutputTo(true, &stdout, io.Discard) },
	)
	cmd.SetIn(bytes.NewBufferString(doc))
	cmd.SetArgs([]string{"submit", "--file", "-"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.JSONEq(t, doc, string(got))

	var printed SubmitResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &printed))
	assert.Equal(t, txID, printed.ID)
}

func TestTxListCmd_Table(t *testing.T) {
	score := 0.3
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": []TransactionResponse{
				{ID: txID, Status: "APPROVED", Stage: "DONE", RiskScore: &score, CreatedAt: "2026-01-02T03:04:05Z"},
				{ID: "b", Status: "RECEIVED", Stage: "INGESTING"},
			},
			"total": 2,
		})
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	cmd := NewTxCmd(
		func() *Client { return NewClient(srv.URL) },
		func() *Output { return NewOutputTo(false, &stdout, io.Discard) },
	)
	cmd.SetArgs([]string{"list"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	out := stdout.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "APPROVED")
	assert.Contains(t, out, "0.30")
	assert.Contains(t, out, "RECEIVED")
}

func TestDLQReplayCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/dlq/risk/replay", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		writeJSON(w, http.StatusOK, map[string]any{"data": ReplayResponse{
			Stage: "risk", Queue: "risk_queue.dlq", Replayed: 2,
		}})
	}))
	defer srv.Close()

	var stdout, stderr bytes.Buffer
	cmd := NewDLQCmd(
		func() *Client { return NewClient(srv.URL) },
		func() *Output { return NewOutputTo(false, &stdout, &stderr) },
	)
	cmd.SetArgs([]string{"replay", "risk"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	assert.Contains(t, stderr.String(), "Replayed 2 message(s) from risk_queue.dlq")
	assert.Contains(t, stdout.String(), "risk_queue.dlq")
}
