package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Transaction — запись о транзакции в хранилище.
//
// Status и Stage — источник истины о прогрессе pipeline.
// В сообщениях передаётся только ID, сама запись живёт в БД.
type Transaction struct {
	// ID — назначается один раз при приёме, до сохранения и публикации.
	ID uuid.UUID `json:"id"`

	// Status — итоговый статус.
	Status Status `json:"status"`

	// Stage — текущая стадия pipeline. StageUnknown соответствует NULL.
	Stage Stage `json:"stage,omitempty"`

	// Payload — исходный документ транзакции, хранится как есть.
	Payload json.RawMessage `json:"payload"`

	// RiskScore — заполняется только стадией скоринга.
	RiskScore *float64 `json:"risk_score,omitempty"`

	// Reason — причина отказа или ошибки.
	Reason string `json:"reason,omitempty"`

	// Redrives — переотправки reconciler'ом на текущей стадии.
	// Обнуляется при переходе состояния.
	Redrives int `json:"redrives,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTransaction создаёт транзакцию в начальном состоянии RECEIVED/INGESTING.
func NewTransaction(id uuid.UUID, payload json.RawMessage, now time.Time) *Transaction {
	return &Transaction{
		ID:        id,
		Status:    StatusReceived,
		Stage:     StageIngesting,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// State возвращает текущую пару (status, stage).
func (t *Transaction) State() State {
	return State{Status: t.Status, Stage: t.Stage}
}

// ProcessedBy возвращает true, если стадия stage для транзакции уже отработала:
// транзакция завершена или ушла дальше по pipeline.
func (t *Transaction) ProcessedBy(stage Stage) bool {
	return t.Status.IsTerminal() || t.Stage.After(stage)
}

// Apply переводит транзакцию в следующее состояние.
// Состояние не меняется, если переход недопустим.
func (t *Transaction) Apply(outcome Outcome, reason string, now time.Time) error {
	next, err := Transition(t.State(), outcome)
	if err != nil {
		return err
	}

	t.Status = next.Status
	t.Stage = next.Stage
	t.UpdatedAt = now
	if outcome != OutcomePass {
		t.Reason = reason
	}
	return nil
}

// DecodePayload разбирает сохранённый документ.
func (t *Transaction) DecodePayload() (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
