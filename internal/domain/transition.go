package domain

import "fmt"

// State — пара (status, stage), которую двигает pipeline.
type State struct {
	Status Status `json:"status"`
	Stage  Stage  `json:"stage"`
}

func (s State) String() string {
	return fmt.Sprintf("%s/%s", s.Status, s.Stage)
}

// Outcome — результат работы стадии над транзакцией.
type Outcome string

const (
	// OutcomePass — стадия пройдена, транзакция идёт дальше.
	OutcomePass Outcome = "pass"

	// OutcomeReject — стадия отклонила транзакцию (бизнес-решение).
	OutcomeReject Outcome = "reject"

	// OutcomeFail — необратимая ошибка на стадии.
	OutcomeFail Outcome = "fail"
)

// Transition вычисляет следующее состояние транзакции.
//
// Это единственное место, где описаны допустимые переходы:
//
//	RECEIVED/INGESTING      --pass-->   PENDING/RULES_CHECKING
//	RECEIVED/INGESTING      --reject--> REJECTED/INGESTING
//	PENDING/RULES_CHECKING  --pass-->   PENDING/RISK_SCORING
//	PENDING/RULES_CHECKING  --reject--> REJECTED/RULES_CHECKING
//	PENDING/RISK_SCORING    --pass-->   APPROVED/DONE
//	PENDING/RISK_SCORING    --reject--> REJECTED/DONE
//	<нетерминальный>/X      --fail-->   FAILED/X
func Transition(from State, outcome Outcome) (State, error) {
	if from.Status.IsTerminal() {
		return from, fmt.Errorf("%w: %s", ErrTerminalState, from)
	}

	if outcome == OutcomeFail {
		return State{Status: StatusFailed, Stage: from.Stage}, nil
	}

	if !consistent(from) {
		return from, fmt.Errorf("%w: inconsistent state %s", ErrIllegalTransition, from)
	}

	switch outcome {
	case OutcomePass:
		next, ok := from.Stage.Next()
		if !ok {
			return from, fmt.Errorf("%w: %s has no next stage", ErrIllegalTransition, from)
		}
		if next == StageDone {
			return State{Status: StatusApproved, Stage: StageDone}, nil
		}
		return State{Status: StatusPending, Stage: next}, nil

	case OutcomeReject:
		// Скоринг — последняя стадия: отказ на ней тоже завершает pipeline.
		if from.Stage == StageRiskScoring {
			return State{Status: StatusRejected, Stage: StageDone}, nil
		}
		return State{Status: StatusRejected, Stage: from.Stage}, nil

	default:
		return from, fmt.Errorf("%w: unknown outcome %q", ErrIllegalTransition, outcome)
	}
}

// consistent проверяет, что нетерминальный статус соответствует стадии.
func consistent(s State) bool {
	switch s.Stage {
	case StageIngesting:
		return s.Status == StatusReceived
	case StageRulesChecking, StageRiskScoring:
		return s.Status == StatusPending
	default:
		return false
	}
}
