package cart

import "time"

// Config holds cart engine and enricher settings.
type Config struct {
	// Debounce is the per-line window that coalesces quantity edits.
	Debounce time.Duration

	// RequestTimeout bounds every remote cart and pricing call.
	RequestTimeout time.Duration

	// PrefetchWait caps how long a cart read waits for missing prices.
	PrefetchWait time.Duration

	// Concurrency limits parallel price fetches during a prefetch.
	Concurrency int

	// ErrorTTL is how long a failed price lookup is served before retrying.
	ErrorTTL time.Duration

	// Clock drives timers. Nil means the system clock.
	Clock Clock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:       400 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
		PrefetchWait:   1500 * time.Millisecond,
		Concurrency:    8,
		ErrorTTL:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.PrefetchWait <= 0 {
		c.PrefetchWait = d.PrefetchWait
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.ErrorTTL <= 0 {
		c.ErrorTTL = d.ErrorTTL
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	return c
}
