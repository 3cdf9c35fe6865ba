package audit

// Outcomes recorded for an action.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeDegraded = "degraded"
)

// Entry is one line in the hash-chained JSONL journal.
// All fields are strings so json.Marshal output is deterministic for
// reproducible hashing.
type Entry struct {
	Timestamp string `json:"ts"`
	Phase     string `json:"phase"`
	Mode      string `json:"mode"`
	Action    string `json:"action"`
	Kind      string `json:"kind,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	PrevHash  string `json:"prev_hash"`
}

// Recorder appends journal entries.
type Recorder interface {
	Record(Entry) error
}
