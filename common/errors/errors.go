package errors

import "github.com/pkg/errors"

// Relay error taxonomy. Callers classify with errors.Is after wrapping.
var (
	// ErrChainUnavailable is returned when the source ledger RPC fails. Transient.
	ErrChainUnavailable = errors.New("chain unavailable")
	// ErrMalformedEvent is returned for a log that cannot become a DepositEvent. Permanent for that log.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrSigningUnavailable is returned when the signer cannot produce a signature. Transient.
	ErrSigningUnavailable = errors.New("signing unavailable")
	// ErrDeliveryFailed is returned when a deliverer cannot hand off an attestation.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrReorgDetected marks a cursor rollback caused by a chain reorganization.
	ErrReorgDetected = errors.New("reorg detected")

	ErrRecordNotFound     = errors.New("processing record not found")
	ErrLeaseLost          = errors.New("processing lease lost")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrChainNotFound      = errors.New("chain not found")
	ErrChainExists        = errors.New("chain already exists in registry")
	ErrChainIDMismatch    = errors.New("rpc chain id does not match configuration")
	ErrNotImplemented     = errors.New("functionality not implemented")
	ErrDatabaseConnect    = errors.New("failed to connect to database")
	ErrInvalidChainID     = errors.New("invalid chain id")
	ErrPermanentFailure   = errors.New("permanent failure")
	ErrAttestationInvalid = errors.New("attestation signature does not match signer")
)

// IsTransient reports whether err belongs to a class the relay retries automatically.
func IsTransient(err error) bool {
	return errors.Is(err, ErrChainUnavailable) ||
		errors.Is(err, ErrSigningUnavailable) ||
		errors.Is(err, ErrDeliveryFailed)
}
