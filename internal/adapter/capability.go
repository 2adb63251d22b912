// Package adapter defines the judge adapter contract and the registry
// that resolves adapters by name, capability or URL. Adapters are
// shared stateless singletons: every call carries the user id in ctx
// and re-reads credentials from persistence inside the call.
package adapter

// Capability names one operation an adapter may support. The set is
// closed; unknown strings are rejected at registration.
type Capability string

const (
	CapFetchProblem    Capability = "fetch_problem"
	CapUploadData      Capability = "upload_data"
	CapSearchByTitle   Capability = "search_by_title"
	CapSubmitSolution  Capability = "submit_solution"
	CapJudgeStatus     Capability = "judge_status"
	CapListTraining    Capability = "list_training_ids"
	CapProvideSolution Capability = "provide_solution"
)

// AllCapabilities lists the closed capability set in display order.
var AllCapabilities = []Capability{
	CapFetchProblem,
	CapUploadData,
	CapSearchByTitle,
	CapSubmitSolution,
	CapJudgeStatus,
	CapListTraining,
	CapProvideSolution,
}

// Valid reports whether c is a member of the closed set.
func (c Capability) Valid() bool {
	for _, known := range AllCapabilities {
		if c == known {
			return true
		}
	}
	return false
}
