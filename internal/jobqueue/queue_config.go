package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue.
type QueueConfig struct {
	// MaxWorkers is the number of concurrent workers processing jobs.
	MaxWorkers int

	// MaxRetries is the maximum number of attempts per job before River
	// discards it.
	MaxRetries int

	// JobTimeout is the maximum time a single scan job can run. Large
	// pushes mean many commit fetches against the GitHub API, so this is
	// deliberately generous.
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 10,
		MaxRetries: 10,
		JobTimeout: 5 * time.Minute,
	}
}

// ProductionQueueConfig returns a configuration tuned for production use.
func ProductionQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()

	config.MaxWorkers = 20
	config.JobTimeout = 10 * time.Minute

	return config
}

// DevelopmentQueueConfig returns a configuration tuned for development:
// fewer workers, faster failure.
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()

	config.MaxWorkers = 3
	config.MaxRetries = 3
	config.JobTimeout = 2 * time.Minute

	return config
}

// RiverQueueConfig converts our config to River's queue configuration format.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
