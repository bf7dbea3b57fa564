package engine

import (
	"time"

	"github.com/rendis/stagecraft/internal/retry"
	"github.com/rendis/stagecraft/pkg/schema"
)

// Advice is the decision taken for a node's terminal result before its parent
// is notified.
type Advice struct {
	Type schema.AdviserType
	// Delay before the next attempt. Only set for RETRY.
	Delay time.Duration
	// Attempt is the number of the execution about to start, counting from 1.
	Attempt int
}

// Advise consults the node's advisers in declaration order. retries is the
// number of times the instance has already been re-run. A retry adviser whose
// attempts are used up passes the result on to the next adviser.
func Advise(node schema.NodeDefinition, result schema.StepResponse, retries int) (Advice, bool) {
	for _, a := range node.Advisers {
		if !a.Matches(result) {
			continue
		}
		switch a.Type {
		case schema.AdviserRetry:
			if a.Retry == nil {
				continue
			}
			p := retry.FromSpec(*a.Retry)
			if retries+1 >= p.MaxAttempts {
				continue
			}
			return Advice{Type: schema.AdviserRetry, Delay: retry.Backoff(p, retries), Attempt: retries + 2}, true
		case schema.AdviserIgnore:
			return Advice{Type: schema.AdviserIgnore}, true
		}
	}
	return Advice{}, false
}

// ignored rewrites a result the IGNORE adviser accepted. The failure detail is
// kept for inspection.
func ignored(result schema.StepResponse) schema.StepResponse {
	result.Status = schema.StatusSucceeded
	return result
}
