package fanout

import (
	"fmt"

	"github.com/jdziat/projectsync/pkg/queue"
)

// SubJob is one child job to spawn.
type SubJob struct {
	Queue   string
	Payload any
	Options []queue.Option
}

// Chunk is one batch of sub-jobs committed in a single transaction.
type Chunk struct {
	Index  int
	JobIDs []string
}

// Error reports a spawn that stopped partway. Chunks committed before the
// failure stay enqueued.
type Error struct {
	ParentJobID string
	Total       int
	Committed   int
	Err         error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fan-out from %s stopped after %d/%d sub-jobs: %v", e.ParentJobID, e.Committed, e.Total, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
