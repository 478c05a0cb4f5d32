package guard

import (
	"time"

	ttlcache "github.com/jellydator/ttlcache/v3"
)

// DedupIndex remembers delivery IDs per tenant for one window so replays
// can be answered without side effects.
type DedupIndex struct {
	cache *ttlcache.Cache[string, struct{}]
}

func NewDedupIndex(window time.Duration) *DedupIndex {
	return &DedupIndex{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](window),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}
}

// Start runs expiry cleanup until Stop.
func (d *DedupIndex) Start() {
	go d.cache.Start()
}

func (d *DedupIndex) Stop() {
	d.cache.Stop()
}

// Claim atomically records the delivery and reports whether the caller is
// the first to see it.
func (d *DedupIndex) Claim(tenantID, deliveryID string) bool {
	_, found := d.cache.GetOrSet(dedupKey(tenantID, deliveryID), struct{}{})
	return !found
}

// Release forgets a claim whose delivery could not be persisted.
func (d *DedupIndex) Release(tenantID, deliveryID string) {
	d.cache.Delete(dedupKey(tenantID, deliveryID))
}

func dedupKey(tenantID, deliveryID string) string {
	return tenantID + "\x00" + deliveryID
}
