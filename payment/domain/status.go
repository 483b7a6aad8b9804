package domain

import (
	"github.com/akriventsev/furnel/framework/fsm"
)

// Status статус платежа
type Status string

const (
	StatusInitiated            Status = "INITIATED"
	StatusWaitingForUSDC       Status = "WAITING_FOR_USDC"
	StatusUSDCReceived         Status = "USDC_RECEIVED"
	StatusLockingFX            Status = "LOCKING_FX"
	StatusFXLocked             Status = "FX_LOCKED"
	StatusGeneratingOfframpURL Status = "GENERATING_OFFRAMP_URL"
	StatusAwaitingUserAction   Status = "AWAITING_USER_ACTION"
	StatusWaitingForOfframp    Status = "WAITING_FOR_OFFRAMP"
	StatusCompleted            Status = "COMPLETED"
	StatusCancelled            Status = "CANCELLED"
	StatusFailed               Status = "FAILED"
	StatusCompensating         Status = "COMPENSATING"
	StatusRefunded             Status = "REFUNDED"
	StatusCompensationFailed   Status = "COMPENSATION_FAILED"
)

// forward прямая цепочка статусов
var forward = []Status{
	StatusInitiated,
	StatusWaitingForUSDC,
	StatusUSDCReceived,
	StatusLockingFX,
	StatusFXLocked,
	StatusGeneratingOfframpURL,
	StatusAwaitingUserAction,
	StatusWaitingForOfframp,
	StatusCompleted,
}

// Transitions граф переходов статусов платежа, проверенный на ацикличность
var Transitions = buildTransitions()

func buildTransitions() *fsm.Graph[Status] {
	g := fsm.NewGraph[Status]("payment")
	for i := 0; i < len(forward)-1; i++ {
		g.Allow(forward[i], forward[i+1], StatusCancelled, StatusFailed, StatusCompensating)
	}
	g.Allow(StatusCompensating, StatusRefunded, StatusCompensationFailed, StatusCancelled)
	g.Terminal(StatusCompleted, StatusCancelled, StatusFailed, StatusRefunded, StatusCompensationFailed)
	return g.MustValidate()
}

// IsTerminal конечный ли статус
func (s Status) IsTerminal() bool {
	return Transitions.IsTerminal(s)
}

// Valid известен ли статус
func (s Status) Valid() bool {
	return Transitions.Rank(s) >= 0
}

func (s Status) String() string {
	return string(s)
}
