package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/txpipe/internal/domain"
)

// DefaultTopic — топик событий о решении.
const DefaultTopic = "transactions.decided"

// DecisionEvent — событие о финальном статусе транзакции.
type DecisionEvent struct {
	TransactionID uuid.UUID     `json:"transaction_id"`
	Status        domain.Status `json:"status"`
	Stage         domain.Stage  `json:"stage,omitempty"`
	RiskScore     *float64      `json:"risk_score,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	DecidedAt     time.Time     `json:"decided_at"`
}

// NewDecisionEvent строит событие из записи.
func NewDecisionEvent(tx *domain.Transaction) DecisionEvent {
	return DecisionEvent{
		TransactionID: tx.ID,
		Status:        tx.Status,
		Stage:         tx.Stage,
		RiskScore:     tx.RiskScore,
		Reason:        tx.Reason,
		DecidedAt:     tx.UpdatedAt,
	}
}
