package scenario

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/protocol"
	"github.com/jguan/mcpcheck/pkg/transport"
)

// Outcome is the authorization decision observed for one call.
type Outcome int

const (
	// OutcomeAllowed: the call completed with a truthy structured success.
	OutcomeAllowed Outcome = iota + 1
	// OutcomeDenied: the call completed with isError set.
	OutcomeDenied
	// OutcomeRejected: the transport refused the request by status code.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDenied:
		return "denied"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Classify reads the authorization outcome of a tools/call result. Any
// result that is neither denied nor a structured success is a scenario
// failure carrying the full payload.
func Classify(res *protocol.CallToolResult) (Outcome, error) {
	if res == nil {
		return 0, failure.New(failure.KindProtocol, "classify", "no tool result")
	}
	if res.IsError {
		return OutcomeDenied, nil
	}
	if res.Success() {
		return OutcomeAllowed, nil
	}
	return 0, failure.New(failure.KindScenario, "classify",
		"tool result is neither denied (isError) nor a structured success").WithPayload(payload(res))
}

// expectOutcome asserts that calling tool produced want.
func expectOutcome(tool string, res *protocol.CallToolResult, want Outcome) error {
	got, err := Classify(res)
	if err != nil {
		return fmt.Errorf("%s: %w", tool, err)
	}
	if got != want {
		return failure.Newf(failure.KindScenario, tool, "expected %s, got %s", want, got).WithPayload(payload(res))
	}
	return nil
}

// expectRejected asserts that ex was refused with status.
func expectRejected(what string, ex *transport.Exchange, status int) error {
	if ex.Status != status {
		return failure.Newf(failure.KindScenario, what, "expected %s (HTTP %d %s), got HTTP %d",
			OutcomeRejected, status, http.StatusText(status), ex.Status).WithDetail(string(ex.Body))
	}
	return nil
}

func payload(res *protocol.CallToolResult) any {
	if len(res.Raw) > 0 {
		return json.RawMessage(res.Raw)
	}
	return res
}
