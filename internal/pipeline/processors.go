package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
)

// Значения по умолчанию для процессоров.
var (
	DefaultMaxAmount      = decimal.NewFromInt(10000)
	DefaultPaymentMethods = []string{"card", "bank_transfer", "wallet"}
)

// DefaultApproveBelow — порог риска, ниже которого транзакция одобряется.
const DefaultApproveBelow = 0.7

// ProcessorsConfig — параметры процессоров по умолчанию.
type ProcessorsConfig struct {
	MaxAmount      decimal.Decimal
	PaymentMethods []string
	ApproveBelow   float64
	Now            func() time.Time
}

// IngestProcessor проверяет поля транзакции.
type IngestProcessor struct {
	Now func() time.Time
}

func (p *IngestProcessor) Process(_ context.Context, tx *domain.Transaction) (Result, error) {
	payload, err := tx.DecodePayload()
	if err != nil {
		return Reject("malformed payload: %v", err), nil
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	if err := payload.Validate(now()); err != nil {
		return Reject("%v", err), nil
	}
	return Pass(), nil
}

// RulesProcessor применяет бизнес-правила: лимит суммы и способы оплаты.
type RulesProcessor struct {
	MaxAmount      decimal.Decimal
	PaymentMethods []string
}

func (p *RulesProcessor) Process(_ context.Context, tx *domain.Transaction) (Result, error) {
	payload, err := tx.DecodePayload()
	if err != nil {
		return Result{}, mq.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	limit := p.MaxAmount
	if limit.IsZero() {
		limit = DefaultMaxAmount
	}
	if payload.Amount.GreaterThan(limit) {
		return Reject("amount %s exceeds limit %s", payload.Amount.StringFixed(2), limit.StringFixed(2)), nil
	}

	if payload.PaymentMethod != "" && !p.allowed(payload.PaymentMethod) {
		return Reject("payment method %q is not allowed", payload.PaymentMethod), nil
	}
	return Pass(), nil
}

func (p *RulesProcessor) allowed(method string) bool {
	methods := p.PaymentMethods
	if len(methods) == 0 {
		methods = DefaultPaymentMethods
	}
	for _, m := range methods {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

// RiskProcessor считает оценку риска от 0 до 1.
type RiskProcessor struct {
	ApproveBelow float64
}

func (p *RiskProcessor) Process(_ context.Context, tx *domain.Transaction) (Result, error) {
	payload, err := tx.DecodePayload()
	if err != nil {
		return Result{}, mq.Permanent(fmt.Errorf("decode payload: %w", err))
	}

	threshold := p.ApproveBelow
	if threshold <= 0 {
		threshold = DefaultApproveBelow
	}

	score := RiskScore(payload)
	if score < threshold {
		return Result{Outcome: domain.OutcomePass, RiskScore: &score}, nil
	}

	res := Reject("risk score %.2f is not below %.2f", score, threshold)
	res.RiskScore = &score
	return res, nil
}

// RiskScore — эвристика: сумма, возраст аккаунта, трансграничный платёж.
func RiskScore(p *domain.Payload) float64 {
	score := 0.1

	switch {
	case p.Amount.GreaterThanOrEqual(decimal.NewFromInt(5000)):
		score += 0.4
	case p.Amount.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		score += 0.2
	}

	switch {
	case p.UserAccountAgeDays == nil:
		score += 0.1
	case *p.UserAccountAgeDays < 30:
		score += 0.3
	case *p.UserAccountAgeDays < 180:
		score += 0.1
	}

	if p.Country != "" && p.MerchantCountry != "" && p.Country != p.MerchantCountry {
		score += 0.2
	}

	return math.Round(math.Min(score, 1)*100) / 100
}
