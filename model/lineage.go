package model

// RetryRelationship links a task to the root of its retry chain. Every
// member of a chain owns its own row pointing at the same original id, so
// chain membership resolves in one lookup regardless of hop count. The
// write amplification this costs is deliberate.
//
// Invariant: for the root row, TotalRetries == len(RetryChain). Chains are
// append-only and acyclic because each retry mints a fresh task id.
type RetryRelationship struct {
	TaskID       string   `json:"task_id"`
	OriginalID   string   `json:"original_id"`
	RetryChain   []string `json:"retry_chain"`
	TotalRetries int      `json:"total_retries"`
}
