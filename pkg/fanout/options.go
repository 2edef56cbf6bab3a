package fanout

import "github.com/jdziat/projectsync/pkg/security"

// Option configures fan-out behavior.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

type config struct {
	chunkSize int
	queue     string
	parent    string
	createdBy string
}

func defaultConfig() *config {
	return &config{chunkSize: 50}
}

// WithChunkSize sets how many sub-jobs are committed per transaction.
func WithChunkSize(n int) Option {
	return optionFunc(func(c *config) {
		c.chunkSize = security.ClampChunkSize(n)
	})
}

// WithQueue sets the queue for sub-jobs that do not name one.
func WithQueue(q string) Option {
	return optionFunc(func(c *config) {
		c.queue = q
	})
}

// WithParent sets the parent job id. Inside a handler it defaults to the
// running job.
func WithParent(jobID string) Option {
	return optionFunc(func(c *config) {
		c.parent = jobID
	})
}

// CreatedBy records who caused the sub-jobs to be spawned.
func CreatedBy(userID string) Option {
	return optionFunc(func(c *config) {
		c.createdBy = userID
	})
}
