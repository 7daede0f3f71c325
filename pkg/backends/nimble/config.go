package nimble

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds array connection configuration.
type Config struct {
	// Endpoint is the REST API base URL, for example https://array01:5392
	Endpoint string

	// Username is the array account used for the session token
	Username string

	// Password is the account password
	Password string

	// InsecureSkipVerify disables TLS certificate verification.
	// Arrays ship with self-signed certificates.
	InsecureSkipVerify bool

	// RequestTimeout bounds a single HTTP request
	RequestTimeout time.Duration

	// RetryMax is the number of retries for read requests.
	// Mutating requests are never retried.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the wait between read retries
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// PageSize is the number of objects requested per list page
	PageSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(endpoint, username string) *Config {
	return &Config{
		Endpoint:       endpoint,
		Username:       username,
		RequestTimeout: 60 * time.Second,
		RetryMax:       2,
		RetryWaitMin:   500 * time.Millisecond,
		RetryWaitMax:   5 * time.Second,
		PageSize:       1024,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint has no host: %s", c.Endpoint)
	}

	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("password is required")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry max must not be negative")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}

	return nil
}
