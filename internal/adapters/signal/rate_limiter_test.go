package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Shortgap/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	clk := clock.NewMock()
	rl := NewRateLimiter(clk, 2, 10*time.Second)

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "limits are per token")

	clk.Add(11 * time.Second)
	assert.True(t, rl.Allow("a"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "internal", ErrorCode(assert.AnError))
	assert.Equal(t, "no_quorum", ErrorCode(fmt.Errorf("send: %w", domain.ErrNoQuorum)))
	assert.Equal(t, "name_collision", ErrorCode(domain.ErrNameCollision))
}
