// Package retry provides exponential backoff retry logic for transient failures.
//
// # Functions
//
//   - Do: execute a function with retry and exponential backoff
//   - DoWithResult: same, returning a value
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Quick(): 10 attempts, 50ms-1s delay (startup)
//   - Reconnect(): unlimited attempts until the context ends, 500ms-30s delay (bus sessions)
//
// # Usage
//
//	conn, err := retry.DoWithResult(ctx, retry.Reconnect(), func() (bus.Conn, error) {
//	    return bus.Dial(ctx, address)
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately:
//
//	if !validAddress(addr) {
//	    return retry.NonRetryable(fmt.Errorf("bad bus address %q", addr))
//	}
package retry
