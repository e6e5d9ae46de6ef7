package billing

import (
	"time"
)

// Config 计费模块的运行参数
type Config struct {
	GracePeriod       time.Duration
	CheckoutTimeout   time.Duration
	StorageMaxRetries int
	Provider          RetryPolicy
	SuccessURL        string
	CancelURL         string
	DefaultCurrency   string

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		GracePeriod:       72 * time.Hour,
		CheckoutTimeout:   24 * time.Hour,
		StorageMaxRetries: 3,
		Provider:          DefaultRetryPolicy(),
		DefaultCurrency:   "usd",
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) currency() string {
	if c.DefaultCurrency == "" {
		return "usd"
	}
	return c.DefaultCurrency
}
