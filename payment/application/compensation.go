package application

import (
	"time"

	"github.com/akriventsev/furnel/framework/activity"
	"github.com/akriventsev/furnel/framework/saga"
	"github.com/akriventsev/furnel/payment/domain"
)

// Политика компенсации:
//   DEPOSIT_RECEIVED  возврат депозита activity refund
//   FX_LOCKED         отмечается сразу, фиксация курса истекает сама
//   PAYOUT_INITIATED  отмечается без внешнего вызова, выставляется PayoutIrreversible

func (p *PaymentSaga) startCompensation(mode compensationMode, at time.Time) []saga.Effect {
	p.Mode = mode
	effects := p.moveTo(domain.StatusCompensating, at)
	p.Queue = p.Ledger.CompensateFrom(p.Ledger.Len())
	return append(effects, p.advance(at)...)
}

// advance проходит очередь с хвоста журнала до первого шага, требующего внешнего вызова
func (p *PaymentSaga) advance(at time.Time) []saga.Effect {
	for len(p.Queue) > 0 {
		i := p.Queue[0]
		step := p.Ledger.Step(i)

		switch step.Kind {
		case domain.StepDepositReceived:
			return []saga.Effect{saga.RunActivity{
				Name: ActivityRefund,
				Args: saga.MustJSON(RefundArgs{
					PaymentID: p.State.PaymentID,
					Amount:    refundAmount(step),
					Address:   step.Data.Address,
				}),
				Class: activity.Fast,
			}}
		case domain.StepPayoutInitiated:
			p.State.PayoutIrreversible = true
		}

		p.Ledger = p.Ledger.MarkCompensated(i, at)
		p.Queue = p.Queue[1:]
	}
	return p.settleCompensation(at)
}

func (p *PaymentSaga) onRefunded(ev saga.Event) []saga.Effect {
	if p.State.Status != domain.StatusCompensating || len(p.Queue) == 0 {
		return nil
	}
	var receipt RefundReceipt
	if err := ev.Decode(&receipt); err == nil {
		p.State.RefundTxRef = receipt.TxRef
	}
	p.Ledger = p.Ledger.MarkCompensated(p.Queue[0], ev.OccurredAt)
	p.Queue = p.Queue[1:]
	return p.advance(ev.OccurredAt)
}

// onRefundFailed сбой возврата не повторяется бесконечно: сага завершается COMPENSATION_FAILED
func (p *PaymentSaga) onRefundFailed(ev saga.Event) []saga.Effect {
	if p.State.Status != domain.StatusCompensating || len(p.Queue) == 0 {
		return nil
	}
	p.State.CompensationError = "refund: " + ev.Failure.Error()
	p.Queue = nil
	return p.finish(domain.StatusCompensationFailed, ev.OccurredAt)
}

func (p *PaymentSaga) settleCompensation(at time.Time) []saga.Effect {
	switch {
	case p.State.CompensationError != "":
		return p.finish(domain.StatusCompensationFailed, at)
	case p.Mode == modeCancel:
		p.State.Cancelled = true
		return p.finish(domain.StatusCancelled, at)
	default:
		return p.finish(domain.StatusRefunded, at)
	}
}
