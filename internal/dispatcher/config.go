package dispatcher

import (
	"time"

	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/logging"
)

// Config controls retries and time limits of dispatched jobs.
type Config struct {
	// MaxJobAttempts is the number of attempts a job gets before a
	// dispatch failure is delivered.
	MaxJobAttempts int `json:"max_job_attempts" yaml:"max_job_attempts"`
	// MaxJobExecutionTime bounds one attempt, measured from acceptance.
	// Zero disables the limit.
	MaxJobExecutionTime time.Duration `json:"max_job_execution_time" yaml:"max_job_execution_time"`
	// MaxJobPendingTime bounds how long a job waits for a capable invoker.
	// Zero disables the limit.
	MaxJobPendingTime time.Duration `json:"max_job_pending_time" yaml:"max_job_pending_time"`

	Breaker circuitbreaker.Config `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MaxJobAttempts:      3,
		MaxJobExecutionTime: 5 * time.Minute,
		MaxJobPendingTime:   10 * time.Minute,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithJobLogger sets where terminal job outcomes are logged. The default
// is logging.Default(); nil disables job logs.
func WithJobLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.jobLog = l }
}

// WithBreakerOptions passes options to every per-invoker breaker, after
// the dispatcher's own state change hook.
func WithBreakerOptions(opts ...circuitbreaker.Option) Option {
	return func(d *Dispatcher) { d.breakerOpts = append(d.breakerOpts, opts...) }
}
