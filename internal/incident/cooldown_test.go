package incident

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/telhawk-guard/pkg/model"
)

func TestCooldowns_TryAcquire(t *testing.T) {
	c := NewCooldowns(map[model.MitigationType]time.Duration{
		model.MitigationBlockIP: time.Minute,
	})
	now := time.Unix(1700000000, 0)

	assert.True(t, c.TryAcquire(model.MitigationBlockIP, "10.0.0.1", now))
	assert.False(t, c.TryAcquire(model.MitigationBlockIP, "10.0.0.1", now.Add(59*time.Second)))
	assert.True(t, c.TryAcquire(model.MitigationBlockIP, "10.0.0.2", now), "subjects are independent")
	assert.Equal(t, 30*time.Second, c.Remaining(model.MitigationBlockIP, "10.0.0.1", now.Add(30*time.Second)))

	assert.True(t, c.TryAcquire(model.MitigationBlockIP, "10.0.0.1", now.Add(time.Minute)))
}

func TestCooldowns_UngatedType(t *testing.T) {
	c := NewCooldowns(nil)
	now := time.Now()
	assert.True(t, c.TryAcquire(model.MitigationCustom, "x", now))
	assert.True(t, c.TryAcquire(model.MitigationCustom, "x", now))
}

func TestCooldowns_ConcurrentAcquireSingleWinner(t *testing.T) {
	c := NewCooldowns(map[model.MitigationType]time.Duration{
		model.MitigationQuarantineUser: 5 * time.Minute,
	})
	now := time.Now()

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire(model.MitigationQuarantineUser, "user:42", now) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCooldowns_Sweep(t *testing.T) {
	c := NewCooldowns(map[model.MitigationType]time.Duration{
		model.MitigationBlockIP:   time.Minute,
		model.MitigationRateLimit: 10 * time.Minute,
	})
	now := time.Now()
	c.TryAcquire(model.MitigationBlockIP, "a", now)
	c.TryAcquire(model.MitigationRateLimit, "a", now)

	assert.Equal(t, 1, c.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, time.Duration(0), c.Remaining(model.MitigationBlockIP, "a", now.Add(2*time.Minute)))
}
