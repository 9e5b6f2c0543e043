// Package errors provides standardized error handling patterns for trdpsim components.
//
// # Overview
//
// The errors package implements a three-class error classification system:
// Transient (temporary, retryable), Invalid (bad input, non-retryable), and
// Fatal (unrecoverable, stop processing).
//
// This classification enables intelligent error handling strategies throughout
// the engine, allowing components to make informed decisions about retries,
// graceful degradation, and failure recovery without hardcoded error string
// matching.
//
// # Error Classification
//
// Errors are automatically classified based on their type or content:
//
//   - Transient: network issues, stack sessions not ready, timeouts (retry recommended)
//   - Invalid: malformed input, unknown telegrams or datasets, wrong direction (do not retry)
//   - Fatal: invalid or missing configuration, unrecoverable states (stop processing)
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Engine", "sendTx", "publish")   // For retryable errors
//	errors.WrapInvalid(err, "Registry", "RegisterTelegram", "dataset lookup")
//	errors.WrapFatal(err, "Engine", "Start", "stack init")
//
// The generic Wrap() function preserves the original error's classification.
//
// # Standard Error Variables
//
// Pre-defined error variables cover the conditions the engine reports:
//
//   - Component lifecycle: ErrAlreadyStarted, ErrNotStarted, ErrShuttingDown
//   - Configuration: ErrInvalidConfig, ErrMissingConfig
//   - Telegram model: ErrUnknownDataset, ErrUnknownTelegram, ErrWrongDirection, ErrUnknownField
//   - Stack and sessions: ErrNotReady, ErrStack, ErrTimeout, ErrDnrUnavailable
//
// Use these variables instead of creating custom error messages. Native stack
// result codes are converted with StackError(code), which wraps ErrStack so
// callers can match the family with errors.Is.
//
// # Retry Configuration
//
// The package includes built-in retry support with exponential backoff:
//
//	config := errors.DefaultRetryConfig()
//
//	for attempt := 0; attempt < config.MaxRetries; attempt++ {
//	    if err := operation(); err != nil {
//	        if !config.ShouldRetry(err, attempt) {
//	            return err // Non-retryable or max attempts reached
//	        }
//	        time.Sleep(config.BackoffDelay(attempt))
//	        continue
//	    }
//	    return nil
//	}
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables
// are immutable and safe for concurrent access.
package errors
