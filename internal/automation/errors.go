package automation

import "errors"

var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrFlowNotFound       = errors.New("flow not found")
	// ErrActiveFlowExists is returned by FlowStore.CreateActive when the
	// subscriber already has an active flow for the automation.
	ErrActiveFlowExists = errors.New("active flow already exists")
	// ErrFlowNotActive is returned by conditional flow transitions when the
	// flow is terminal or no longer at the expected step.
	ErrFlowNotActive = errors.New("flow not active at expected step")
	// ErrClaimLost is returned by Queue.Ack and Queue.Retry when the item is
	// gone or now held by another claim.
	ErrClaimLost          = errors.New("queue item claim lost")
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrInvalidDefinition  = errors.New("invalid automation definition")
	ErrTemplateNotFound   = errors.New("template not found")
	ErrInvalidEvent       = errors.New("invalid event")
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The scheduler stops the flow
// instead of requeueing the item.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should stop the flow rather than be
// retried. Definition errors are always permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrInvalidDefinition) ||
		errors.Is(err, ErrTemplateNotFound) ||
		errors.Is(err, ErrAutomationNotFound) ||
		errors.Is(err, ErrSubscriberNotFound)
}
