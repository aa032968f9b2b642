package mocks

import (
	"time"

	"github.com/MozGangster/ydsync/internal/api"
	"github.com/MozGangster/ydsync/internal/logging"
	"golang.org/x/oauth2"
)

// TestToken is the bearer token APIClient authenticates with
const TestToken = "test-token"

// APIClient returns a client pointed at the server with millisecond backoff
func (s *DiskServer) APIClient(logger logging.Logger) *api.Client {
	return api.NewClient(api.ClientOptions{
		BaseURL:    s.URL,
		HTTPClient: s.Client(),
		Tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: TestToken}),
		Policy: api.RetryPolicy{
			MaxAttempts:      2,
			BaseDelay:        time.Millisecond,
			MaxDelay:         2 * time.Millisecond,
			MinRateLimitWait: time.Millisecond,
		},
		Logger: logger,
	})
}
