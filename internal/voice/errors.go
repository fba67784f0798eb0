package voice

import "fmt"

// maxErrorBody caps how much of an upstream error body is retained on a
// ProviderError so that a large HTML error page never floods the logs.
const maxErrorBody = 512

// ProviderError reports a failed STT/TTS/agent upstream call. Recoverable:
// the turn is aborted and the session returns to idle.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream error status=%d body=%s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: upstream error: %s", e.Provider, e.Body)
}

// NewProviderError builds a ProviderError with a truncated body.
func NewProviderError(provider string, status int, body []byte) *ProviderError {
	b := string(body)
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return &ProviderError{Provider: provider, Status: status, Body: b}
}

// TransportError reports a failed connection-level operation (join,
// subscribe, playback). Triggers supervisor retry or teardown.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ConfigError reports invalid or missing provider configuration. Fatal for
// that provider at startup; the rest of the pipeline runs degraded.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config %s: %s", e.Provider, e.Reason) }

// ValidationError reports a bad parameter on a control call. Rejected
// immediately, no state mutated.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason) }
