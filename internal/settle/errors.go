package settle

import "errors"

var (
	// ErrNotFound indicates the receipt or distribution does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a distribution has already been opened for
	// the receipt. Callers must treat this as "resume", not "retry from
	// scratch": the existing record is authoritative.
	ErrAlreadyExists = errors.New("distribution already exists")

	// ErrInvalidTransition indicates an attempted leg or receipt status
	// transition that the state machine forbids (for example, leaving
	// confirmed). It signals a logic bug and must be surfaced to the
	// operator, never swallowed.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClassifierUnavailable indicates the external receipt classifier
	// errored or timed out. The pipeline degrades to manual review.
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrLegReverted indicates the external ledger confirmed a submitted
	// transfer failed. Reversions are not retried automatically.
	ErrLegReverted = errors.New("leg reverted on chain")

	// ErrConfirmationTimeout indicates no definitive confirmation arrived
	// within the maximum wait and the resubmission budget is exhausted.
	ErrConfirmationTimeout = errors.New("confirmation timed out")

	// ErrMalformedPayload indicates an inbound webhook body that could not
	// be decoded or failed validation. Rejected outright, never coerced.
	ErrMalformedPayload = errors.New("malformed payload")
)
