package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUplinkRedlineBytes is the per-uplink backpressure threshold
// (spec §4.6: "default 8 MiB"), enforced over both the session's own
// queue and this wrapper bucket.
const DefaultUplinkRedlineBytes = 8 * 1024 * 1024

// Redline combines the spec's hard byte-threshold check with a
// token-bucket smoothing pass: a single large burst under the
// threshold is still rejected if it would blow the sustained rate the
// bucket models, giving the same "soft backpressure" character the
// wink-rtsp-bench bandwidth limiter uses for its send path.
type Redline struct {
	mu          sync.Mutex
	cachedBytes int
	limit       int
	bucket      *rate.Limiter
}

// NewRedline builds a Redline with the given byte threshold (<=0 uses
// DefaultUplinkRedlineBytes).
func NewRedline(limitBytes int) *Redline {
	if limitBytes <= 0 {
		limitBytes = DefaultUplinkRedlineBytes
	}
	return &Redline{
		limit:  limitBytes,
		bucket: rate.NewLimiter(rate.Limit(limitBytes), limitBytes),
	}
}

// Admit applies spec §4.5/§8's backpressure law: if cachedBytes>0 and
// cachedBytes+n would exceed the threshold, reject without admitting
// anything. A pass against the smoothing bucket is a second, softer
// check on top.
func (r *Redline) Admit(n int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cachedBytes > 0 && r.cachedBytes+n > r.limit {
		return false
	}
	if !r.bucket.AllowN(time.Now(), n) {
		return false
	}
	r.cachedBytes += n
	return true
}

// Release returns n bytes to the budget once the corresponding send is
// confirmed complete (session.Observer.OnSendSession).
func (r *Redline) Release(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachedBytes -= n
	if r.cachedBytes < 0 {
		r.cachedBytes = 0
	}
}

func (r *Redline) Usage() (cached, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachedBytes, r.limit
}
