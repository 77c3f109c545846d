package core

import "log/slog"

type exchangeState int

const (
	stateIdle exchangeState = iota
	stateContextAssembled
	stateGenerated
	statePersisted
	stateSummaryEvaluated
	stateDone
	stateErrored
)

func (s exchangeState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateContextAssembled:
		return "context_assembled"
	case stateGenerated:
		return "generated"
	case statePersisted:
		return "persisted"
	case stateSummaryEvaluated:
		return "summary_evaluated"
	case stateDone:
		return "done"
	case stateErrored:
		return "errored"
	}
	return "unknown"
}

// exchange tracks where a SendMessage call is, so a failure is logged with
// the last state it reached.
type exchange struct {
	state  exchangeState
	logger *slog.Logger
}

func newExchange(logger *slog.Logger) *exchange {
	return &exchange{state: stateIdle, logger: logger}
}

func (e *exchange) advance(next exchangeState) {
	e.logger.Debug("exchange state", "from", e.state, "to", next)
	e.state = next
}

func (e *exchange) fail(err error) error {
	e.logger.Warn("exchange failed", "state", e.state, "error", err)
	e.state = stateErrored
	return err
}
