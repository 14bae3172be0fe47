package corecfg

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	// DefaultEsploraRequestTimeout is the default timeout for HTTP
	// requests to the Esplora API.
	DefaultEsploraRequestTimeout = 30 * time.Second

	// DefaultEsploraMaxRetries is the default number of times a failed
	// request is retried before giving up.
	DefaultEsploraMaxRetries = 3

	// DefaultEsploraRateLimit is the default number of requests per
	// second sent to the Esplora API.
	DefaultEsploraRateLimit = 10

	// DefaultEsploraBurst is the default request burst allowed on top of
	// the rate limit.
	DefaultEsploraBurst = 20
)

// Esplora holds the connection options for an Esplora HTTP API server, e.g.
// mempool.space, blockstream.info or a local electrs instance.
//
//nolint:ll
type Esplora struct {
	// URL is the base URL of the Esplora API, for example
	// https://mempool.space/api or http://localhost:3002.
	URL string `long:"url" description:"The base URL of the Esplora API (e.g., http://localhost:3002)"`

	RequestTimeout time.Duration `long:"requesttimeout" description:"Timeout for HTTP requests to the Esplora API."`

	MaxRetries int `long:"maxretries" description:"Maximum number of times to retry a failed request."`

	RateLimit float64 `long:"ratelimit" description:"Maximum number of requests per second sent to the Esplora API."`

	Burst int `long:"burst" description:"Number of requests allowed to exceed the rate limit in a burst."`
}

// DefaultEsploraConfig returns a new Esplora config with default values
// populated.
func DefaultEsploraConfig() *Esplora {
	return &Esplora{
		RequestTimeout: DefaultEsploraRequestTimeout,
		MaxRetries:     DefaultEsploraMaxRetries,
		RateLimit:      DefaultEsploraRateLimit,
		Burst:          DefaultEsploraBurst,
	}
}

// Validate checks the Esplora options.
func (e *Esplora) Validate() error {
	if e.URL == "" {
		return errors.New("esplora.url must be set")
	}

	u, err := url.Parse(e.URL)
	if err != nil {
		return fmt.Errorf("invalid esplora.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("esplora.url must use http or https, got %q",
			u.Scheme)
	}

	switch {
	case e.RequestTimeout <= 0:
		return errors.New("esplora.requesttimeout must be positive")

	case e.MaxRetries < 0:
		return errors.New("esplora.maxretries must not be negative")

	case e.RateLimit <= 0:
		return errors.New("esplora.ratelimit must be positive")

	case e.Burst < 1:
		return errors.New("esplora.burst must be at least 1")
	}

	return nil
}

// Compile-time constraint to ensure Esplora implements the Validator
// interface.
var _ Validator = (*Esplora)(nil)
