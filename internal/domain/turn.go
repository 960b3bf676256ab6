package domain

import "time"

// TurnStatus is the reply lifecycle state of a Turn.
type TurnStatus string

const (
	TurnPending    TurnStatus = "PENDING"
	TurnReplied    TurnStatus = "REPLIED"
	TurnSuperseded TurnStatus = "SUPERSEDED"
	TurnErrored    TurnStatus = "ERROR"
)

// Turn is a single persisted user input and its handling outcome.
//
// Turns are partitioned by UserID and ordered by CreatedAt, then Seq. Seq is
// zero for live turns; compaction numbers the synthetic turns it writes so
// that turns sharing a CreatedAt keep their batch order.
type Turn struct {
	// ID is opaque to callers; each store chooses its own format.
	ID        string
	UserID    string
	Text      string
	CreatedAt time.Time
	Seq       int
	Status    TurnStatus
	Response  string
	UpdatedAt *time.Time

	// CompactionInFlight is set while the turn belongs to an active
	// compaction batch.
	CompactionInFlight *time.Time
}

// Replied reports whether the turn carries a reply the user actually received.
func (t Turn) Replied() bool {
	return t.Status == TurnReplied && t.Response != ""
}
