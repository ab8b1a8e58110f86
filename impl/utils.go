package impl

import (
	"math/rand/v2"
	"reflect"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/strata/state"
)

func Get[T state.KvModule](s *state.State) T {
	t := reflect.TypeFor[T]()
	return s.Modules[t.String()].(T)
}

// addJitter spreads periodic work by +/- 20% around the base period.
func addJitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func unixMs(clk clock.Clock) int64 {
	return clk.Now().UnixMilli()
}
