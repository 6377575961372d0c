package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
)

// SubmitResponse — ответ на приём транзакции.
type SubmitResponse struct {
	ID        uuid.UUID     `json:"id"`
	Status    domain.Status `json:"status"`
	Stage     domain.Stage  `json:"stage,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// TransactionResponse — ответ с транзакцией.
type TransactionResponse struct {
	ID        uuid.UUID       `json:"id"`
	Status    domain.Status   `json:"status"`
	Stage     domain.Stage    `json:"stage,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RiskScore *float64        `json:"risk_score,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TransactionFromDomain конвертирует domain.Transaction в TransactionResponse.
func TransactionFromDomain(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:        t.ID,
		Status:    t.Status,
		Stage:     t.Stage,
		Payload:   t.Payload,
		RiskScore: t.RiskScore,
		Reason:    t.Reason,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// ReplayResponse — результат переотправки DLQ.
type ReplayResponse struct {
	Stage    string `json:"stage"`
	Queue    string `json:"queue"`
	Replayed int    `json:"replayed"`
}
