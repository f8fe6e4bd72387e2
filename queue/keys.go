// Package queue implements task admission and the ready queue: per-user
// and global concurrency ceilings, visibility-timeout claims, and a
// JetStream work queue feeding the worker loop.
package queue

import "time"

// JetStream stream and subject names.
const (
	StreamName   = "ANALYSIS_TASKS"
	ConsumerName = "analysis-workers"
	ReadySubject = "analysis.tasks.ready"
)

// KV bucket names.
const (
	ProcessingBucket = "ANALYSIS_PROCESSING"
	ClaimsBucket     = "ANALYSIS_CLAIMS"
	WorkersBucket    = "ANALYSIS_WORKERS"
)

// Key prefixes inside the processing bucket. A task id appears under the
// global prefix iff it appears under exactly one user's prefix.
const (
	globalPrefix = "g."
	userPrefix   = "u."
)

// Default admission limits. The ceilings are soft: checked at dequeue
// time, not reserved, so a narrow race can transiently admit one task
// over the limit; the reclaim pass corrects it.
const (
	DefaultUserLimit   = 3
	DefaultGlobalLimit = 3

	// DefaultVisibilityTimeout is how long a worker's claim on a task
	// is honored before the cleanup pass may release it.
	DefaultVisibilityTimeout = 5 * time.Minute

	// claimRetention bounds how long claim records linger in the KV
	// bucket if nothing cleans them explicitly. Much larger than any
	// sane visibility timeout so the reclaim pass sees expired claims
	// before the bucket does.
	claimRetention = 6 * time.Hour
)
