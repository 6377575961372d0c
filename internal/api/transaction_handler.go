package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/repo"
)

// maxBodySize — ограничение на тело запроса.
const maxBodySize = 1 << 20

// Ограничения пагинации.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CreateTransaction принимает транзакцию.
// POST /api/v1/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return
		}
		BadRequest(w, "invalid request body")
		return
	}

	if !json.Valid(body) {
		BadRequest(w, "invalid request body")
		return
	}

	tx, err := h.submitter.Submit(r.Context(), body)
	if HandleError(w, h.logger, err, "") {
		return
	}

	Created(w, SubmitResponse{
		ID:        tx.ID,
		Status:    tx.Status,
		Stage:     tx.Stage,
		CreatedAt: tx.CreatedAt,
	})
}

// GetTransaction возвращает транзакцию по ID.
// GET /api/v1/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid transaction id")
		return
	}

	tx, err := h.transactions.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err, "transaction not found") {
		return
	}

	Success(w, TransactionFromDomain(*tx))
}

// ListTransactions возвращает список транзакций с фильтрацией.
// GET /api/v1/transactions?status=...&stage=...&limit=...&offset=...
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.TransactionFilter{Limit: defaultListLimit}

	if s := q.Get("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		filter.Status = status
	}

	if s := q.Get("stage"); s != "" {
		stage, err := domain.ParseStage(s)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		filter.Stage = stage
	}

	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > maxListLimit {
			BadRequest(w, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}

	if s := q.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			BadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	txs, err := h.transactions.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]TransactionResponse, len(txs))
	for i, tx := range txs {
		result[i] = TransactionFromDomain(tx)
	}

	List(w, result, len(result))
}
