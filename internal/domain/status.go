package domain

import "fmt"

// Status — итоговый статус транзакции.
//
// Жизненный цикл:
//
//	RECEIVED → PENDING → APPROVED
//	                   ↘ REJECTED
//	(любой нетерминальный) → FAILED
type Status string

const (
	// StatusReceived — транзакция принята и сохранена, ingest ещё не отработал.
	StatusReceived Status = "RECEIVED"

	// StatusPending — транзакция в работе у rules/risk стадий.
	StatusPending Status = "PENDING"

	// StatusApproved — транзакция одобрена.
	StatusApproved Status = "APPROVED"

	// StatusRejected — транзакция отклонена бизнес-правилами или скорингом.
	StatusRejected Status = "REJECTED"

	// StatusFailed — необратимая ошибка обработки.
	StatusFailed Status = "FAILED"
)

// IsTerminal возвращает true, если статус финальный.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusFailed:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление Status.
func (s Status) String() string {
	return string(s)
}

// ParseStatus парсит строку в Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusReceived, StatusPending, StatusApproved, StatusRejected, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Stage — позиция транзакции в pipeline.
//
// Порядок фиксирован и только возрастает:
//
//	INGESTING → RULES_CHECKING → RISK_SCORING → DONE
type Stage string

const (
	// StageUnknown — стадия не назначена (NULL в БД).
	StageUnknown Stage = ""

	// StageIngesting — первичная проверка полей.
	StageIngesting Stage = "INGESTING"

	// StageRulesChecking — проверка бизнес-правил.
	StageRulesChecking Stage = "RULES_CHECKING"

	// StageRiskScoring — расчёт риска.
	StageRiskScoring Stage = "RISK_SCORING"

	// StageDone — pipeline пройден.
	StageDone Stage = "DONE"
)

// stageOrder — порядок стадий. Индекс 0 зарезервирован за StageUnknown.
var stageOrder = map[Stage]int{
	StageIngesting:     1,
	StageRulesChecking: 2,
	StageRiskScoring:   3,
	StageDone:          4,
}

// Stages возвращает рабочие стадии pipeline в порядке прохождения (без DONE).
func Stages() []Stage {
	return []Stage{StageIngesting, StageRulesChecking, StageRiskScoring}
}

// Index возвращает порядковый номер стадии (0 для неизвестной).
func (s Stage) Index() int {
	return stageOrder[s]
}

// IsKnown возвращает true для назначенной стадии.
func (s Stage) IsKnown() bool {
	return s.Index() > 0
}

// Next возвращает следующую стадию. false — для DONE и неизвестной стадии.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageIngesting:
		return StageRulesChecking, true
	case StageRulesChecking:
		return StageRiskScoring, true
	case StageRiskScoring:
		return StageDone, true
	default:
		return StageUnknown, false
	}
}

// After возвращает true, если s строго дальше other в pipeline.
func (s Stage) After(other Stage) bool {
	return s.IsKnown() && s.Index() > other.Index()
}

// String возвращает строковое представление Stage.
func (s Stage) String() string {
	if s == StageUnknown {
		return "UNKNOWN"
	}
	return string(s)
}

// ParseStage парсит строку в Stage. Пустая строка — StageUnknown.
func ParseStage(s string) (Stage, error) {
	if s == "" {
		return StageUnknown, nil
	}
	st := Stage(s)
	if !st.IsKnown() {
		return StageUnknown, fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}
