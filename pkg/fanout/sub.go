package fanout

import (
	"github.com/jdziat/projectsync/pkg/queue"
)

// Sub creates a sub-job definition.
func Sub(queueName string, payload any, opts ...queue.Option) SubJob {
	return SubJob{
		Queue:   queueName,
		Payload: payload,
		Options: opts,
	}
}
