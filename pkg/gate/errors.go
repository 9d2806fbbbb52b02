package gate

import "fmt"

// Stable error codes on the external boundary. Tests and callers depend
// on the exact strings.
const (
	CodeProposalNotFound  = "PROPOSAL_NOT_FOUND"
	CodeProposalCommitted = "PROPOSAL_COMMITTED"
	CodeProposalRejected  = "PROPOSAL_REJECTED"
	CodeInvalidMandate    = "INVALID_MANDATE"
	CodeRevokedMandate    = "REVOKED_MANDATE"
	CodeScopeViolation    = "SCOPE_VIOLATION"
	CodeBudgetExceeded    = "BUDGET_EXCEEDED"
)

// Error is a typed gate failure with a stable code. Error() renders as
// "CODE" or "CODE: detail".
type Error struct {
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Errf builds a gate error with a formatted detail.
func Errf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}
