package blockdev

import (
	"context"
	"fmt"

	"github.com/sushant-115/kcore/core/kerr"
	"golang.org/x/time/rate"
)

// Throttled limits the byte rate of an underlying Device so the cache can be
// exercised against storage with realistic latency.
type Throttled struct {
	Device
	limiter *rate.Limiter
}

// NewThrottled wraps dev with a limiter of bytesPerSec. A non-positive rate
// returns dev unchanged.
func NewThrottled(dev Device, bytesPerSec int64) Device {
	if bytesPerSec <= 0 {
		return dev
	}
	burst := BlockSize
	if bytesPerSec > BlockSize {
		burst = int(bytesPerSec)
	}
	return &Throttled{
		Device:  dev,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

func (t *Throttled) ReadWrite(dev, blockno uint32, data []byte, write bool) error {
	// throttle: wait until enough tokens available for one block
	if err := t.limiter.WaitN(context.Background(), BlockSize); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", kerr.ErrStorage, err)
	}
	return t.Device.ReadWrite(dev, blockno, data, write)
}
