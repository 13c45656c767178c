// Package errors provides error classification and wrapping for dbusbridge.
//
// # Classification
//
// Errors fall into three classes that drive how the gateway reacts:
//
//   - Transient: bus or mesh connection trouble, timeouts. The session loop reconnects and retries.
//   - Invalid: malformed values, bad configuration input, unknown mesh paths. Reported to the caller, never retried.
//   - Fatal: unrecoverable configuration or resource problems. The process exits.
//
// Classification is explicit through WrapTransient, WrapInvalid and WrapFatal, and falls back to the
// sentinel variables and message patterns for errors produced by third-party libraries.
//
// # Wrapping
//
// Every wrapped error follows the format
//
//	"component.method: action failed: %w"
//
// so log lines can be grepped by component and method:
//
//	if err := conn.AddMatch(ctx, rule); err != nil {
//	    return errors.WrapTransient(err, "Forwarder", "Watch", "add match rule")
//	}
//
// Domain errors (codec.ConversionError, dispatch.DispatchError, introspection.DiscoveryError) are defined
// next to the code that produces them and are inspected with the standard errors.As.
package errors
