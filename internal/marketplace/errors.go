package marketplace

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the marketplace rejects the
// configured token (spec.md section 4.7 / 7: workspace_status flips to
// "unauthorized").
var ErrUnauthorized = errors.New("marketplace: unauthorized")

// RateLimited carries a server-suggested wait, per spec.md section
// 4.7's RateLimited(wait_seconds).
type RateLimited struct {
	WaitSeconds int
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("marketplace: rate limited, retry in %ds", e.WaitSeconds)
}

// AsRateLimited unwraps err looking for a *RateLimited.
func AsRateLimited(err error) (*RateLimited, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// ErrProxyMismatch is returned by the startup direct-vs-proxy IP check
// when both routes resolve to the same exit IP (spec.md section 4.7:
// "direct-exit IP must differ from proxy-exit IP at startup or the bot
// refuses to start").
var ErrProxyMismatch = errors.New("marketplace: proxy exit IP matches direct exit IP")
