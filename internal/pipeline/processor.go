package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/txpipe/internal/domain"
	"github.com/shaiso/txpipe/internal/mq"
)

// Processor выполняет работу одной стадии над транзакцией.
//
// Ошибка, обёрнутая в mq.Permanent, переводит транзакцию в FAILED.
// Любая другая ошибка считается временной: сообщение вернётся в очередь.
type Processor interface {
	Process(ctx context.Context, tx *domain.Transaction) (Result, error)
}

// ProcessorFunc позволяет использовать функцию как Processor.
type ProcessorFunc func(ctx context.Context, tx *domain.Transaction) (Result, error)

func (f ProcessorFunc) Process(ctx context.Context, tx *domain.Transaction) (Result, error) {
	return f(ctx, tx)
}

// Result — итог стадии.
type Result struct {
	Outcome domain.Outcome

	// Reason — причина отказа, сохраняется в записи.
	Reason string

	// RiskScore — только для стадии скоринга.
	RiskScore *float64
}

// Pass возвращает успешный результат.
func Pass() Result {
	return Result{Outcome: domain.OutcomePass}
}

// Reject возвращает отказ с причиной.
func Reject(format string, args ...any) Result {
	return Result{Outcome: domain.OutcomeReject, Reason: fmt.Sprintf(format, args...)}
}

// Registry — процессоры по стадиям.
type Registry struct {
	processors map[domain.Stage]Processor
}

// NewRegistry создаёт реестр с процессорами по умолчанию для всех стадий.
func NewRegistry(cfg ProcessorsConfig) *Registry {
	r := &Registry{processors: make(map[domain.Stage]Processor)}
	r.Register(domain.StageIngesting, &IngestProcessor{Now: cfg.Now})
	r.Register(domain.StageRulesChecking, &RulesProcessor{
		MaxAmount:      cfg.MaxAmount,
		PaymentMethods: cfg.PaymentMethods,
	})
	r.Register(domain.StageRiskScoring, &RiskProcessor{ApproveBelow: cfg.ApproveBelow})
	return r
}

// Register задаёт процессор стадии, заменяя существующий.
func (r *Registry) Register(stage domain.Stage, p Processor) {
	r.processors[stage] = p
}

// Get возвращает процессор стадии.
func (r *Registry) Get(stage domain.Stage) (Processor, error) {
	p, ok := r.processors[stage]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return p, nil
}

// RouteFor возвращает очередь и routing key стадии.
func RouteFor(stage domain.Stage) (mq.Route, bool) {
	switch stage {
	case domain.StageIngesting:
		return mq.Route{Queue: mq.QueueIngest, RoutingKey: mq.RoutingKeyIngest}, true
	case domain.StageRulesChecking:
		return mq.Route{Queue: mq.QueueRules, RoutingKey: mq.RoutingKeyRules}, true
	case domain.StageRiskScoring:
		return mq.Route{Queue: mq.QueueRisk, RoutingKey: mq.RoutingKeyRisk}, true
	default:
		return mq.Route{}, false
	}
}

// ParseStageKey переводит короткое имя стадии (ingest, rules, risk) в Stage.
func ParseStageKey(key string) (domain.Stage, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, s := range domain.Stages() {
		if r, _ := RouteFor(s); string(r.RoutingKey) == key {
			return s, nil
		}
	}
	return domain.StageUnknown, fmt.Errorf("%w: %q", ErrUnknownStage, key)
}
