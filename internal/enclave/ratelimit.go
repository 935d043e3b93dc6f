package enclave

import "time"

// handshakeRateBurst/handshakeRateInterval govern how many inbound
// initiations the enclave accepts from each peer (ConsumeInitiation),
// independent of the proxy's cookie behavior; outbound MSGREQWGINIT-
// triggered initiations are not limited by it. The enclave
// itself enforces a per-peer token bucket rather
// than relying solely on the proxy's cookie mechanism, since the proxy
// has no notion of "peer" (only MAC1-validated interfaces) and cannot
// rate-limit per remote identity. One token refills every
// REKEY_TIMEOUT/5 (REKEY_TIMEOUT is 5s in the upstream protocol, so one
// new initiation per peer per second), matching current upstream
// WireGuard DoS guidance.
const (
	handshakeRateBurst    = 5
	handshakeRateInterval = time.Second
)

// tokenBucket is a minimal, non-atomic token bucket; callers already
// hold the owning Peer's mutex.
type tokenBucket struct {
	capacity float64
	tokens   float64
	rate     float64 // tokens per second
	last     time.Time
}

func newTokenBucket(capacity int, refillInterval time.Duration) *tokenBucket {
	return &tokenBucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		rate:     1 / refillInterval.Seconds(),
		last:     time.Now(),
	}
}

// Allow reports whether one more event may proceed now, consuming a
// token if so.
func (b *tokenBucket) Allow() bool {
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
