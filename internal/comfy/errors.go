package comfy

import "fmt"

// StatusError reports a non-success response from a request/response call.
// The client never retries internally; retry policy belongs to the caller.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Body)
}
