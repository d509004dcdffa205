package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/entitysync/internal/metrics"
)

// WildcardCount is the sentinel returned by Subscribe when the bucket is in
// the wildcard-all state. The exported count is informational only.
const WildcardCount = -1

// interestSet is the per-(user, entity code) interest. The wildcard flag is
// a distinct state, not an empty id set: "all instances" and "no specific
// instances" must not be conflated.
type interestSet struct {
	all bool
	ids map[string]struct{}
}

func (s *interestSet) matches(entityID string) bool {
	if s.all {
		return true
	}
	_, ok := s.ids[entityID]
	return ok
}

func (s *interestSet) empty() bool {
	return !s.all && len(s.ids) == 0
}

type bucketKey struct {
	userID     string
	entityCode string
}

// Subscriptions is the registry of (user, entity code) interest buckets.
// Buckets are keyed by user and shared across the user's connections;
// connection IDs attribute buckets so disconnect cleanup and the stale
// sweep know when a bucket is orphaned. All methods are safe for concurrent
// use.
type Subscriptions struct {
	mu         sync.RWMutex
	clock      clockwork.Clock
	buckets    map[bucketKey]*interestSet
	owners     map[bucketKey]map[uuid.UUID]struct{}
	byConn     map[uuid.UUID]map[bucketKey]struct{}
	byCode     map[string]map[string]struct{} // entity code -> user IDs
	detachedAt map[bucketKey]time.Time
}

// SubscriptionStats is a point-in-time snapshot for health probes.
type SubscriptionStats struct {
	Buckets     int `json:"buckets"`
	Connections int `json:"connections"`
	Detached    int `json:"detached"`
}

func NewSubscriptions(clock clockwork.Clock) *Subscriptions {
	return &Subscriptions{
		clock:      clock,
		buckets:    make(map[bucketKey]*interestSet),
		owners:     make(map[bucketKey]map[uuid.UUID]struct{}),
		byConn:     make(map[uuid.UUID]map[bucketKey]struct{}),
		byCode:     make(map[string]map[string]struct{}),
		detachedAt: make(map[bucketKey]time.Time),
	}
}

// Subscribe records interest in entityCode for the user, attributed to the
// given connection. An empty entityIDs slice means "all instances of this
// type" (wildcard). Re-subscribing the same ids is idempotent. Returns the
// number of distinct ids now subscribed, or WildcardCount for the wildcard
// state.
func (r *Subscriptions) Subscribe(userID string, connID uuid.UUID, entityCode string, entityIDs []string) int {
	key := bucketKey{userID: userID, entityCode: entityCode}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.buckets[key]
	if !ok {
		set = &interestSet{ids: make(map[string]struct{})}
		r.buckets[key] = set
		users, ok := r.byCode[entityCode]
		if !ok {
			users = make(map[string]struct{})
			r.byCode[entityCode] = users
		}
		users[userID] = struct{}{}
	}

	if len(entityIDs) == 0 {
		set.all = true
	} else {
		for _, id := range entityIDs {
			set.ids[id] = struct{}{}
		}
	}

	owners, ok := r.owners[key]
	if !ok {
		owners = make(map[uuid.UUID]struct{})
		r.owners[key] = owners
	}
	owners[connID] = struct{}{}
	delete(r.detachedAt, key)

	connKeys, ok := r.byConn[connID]
	if !ok {
		connKeys = make(map[bucketKey]struct{})
		r.byConn[connID] = connKeys
	}
	connKeys[key] = struct{}{}

	r.updateGaugeLocked()

	if set.all {
		return WildcardCount
	}
	return len(set.ids)
}

// Unsubscribe narrows or removes the user's interest in entityCode. An empty
// (or nil) entityIDs removes the whole bucket, wildcard included; otherwise
// only the listed ids are removed.
func (r *Subscriptions) Unsubscribe(userID, entityCode string, entityIDs []string) {
	key := bucketKey{userID: userID, entityCode: entityCode}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.buckets[key]
	if !ok {
		return
	}

	if len(entityIDs) == 0 {
		r.removeBucketLocked(key)
		r.updateGaugeLocked()
		return
	}

	for _, id := range entityIDs {
		delete(set.ids, id)
	}
	if set.empty() {
		r.removeBucketLocked(key)
	}
	r.updateGaugeLocked()
}

// UnsubscribeAll removes every bucket for the user, regardless of which
// connection created it.
func (r *Subscriptions) UnsubscribeAll(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.buckets {
		if key.userID == userID {
			r.removeBucketLocked(key)
		}
	}
	r.updateGaugeLocked()
}

// CleanupConnection detaches the connection from every bucket it attributed.
// Buckets still attributed by another live connection are untouched; buckets
// left with no attribution are stamped and retained until the stale sweep,
// so a user's subscriptions survive a reconnect within the retention window.
func (r *Subscriptions) CleanupConnection(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connKeys, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)

	now := r.clock.Now()
	for key := range connKeys {
		owners, ok := r.owners[key]
		if !ok {
			continue
		}
		delete(owners, connID)
		if len(owners) == 0 {
			r.detachedAt[key] = now
		}
	}
}

// CleanupStale removes buckets whose attributing connections have all been
// gone for at least threshold. userActive, when non-nil, lets the sweep skip
// users that still have live connections even if none of them re-subscribed.
// Returns the number of buckets removed.
func (r *Subscriptions) CleanupStale(threshold time.Duration, userActive func(userID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for key, stamp := range r.detachedAt {
		if len(r.owners[key]) > 0 {
			// Re-attached since being stamped; the stamp is stale itself.
			delete(r.detachedAt, key)
			continue
		}
		if now.Sub(stamp) < threshold {
			continue
		}
		if userActive != nil && userActive(key.userID) {
			continue
		}
		r.removeBucketLocked(key)
		removed++
	}

	if removed > 0 {
		r.updateGaugeLocked()
		metrics.StaleSubscriptionsSweptTotal.Add(float64(removed))
		slog.Info("Stale subscriptions swept", "removed", removed, "threshold", threshold)
	}
	return removed
}

// Match returns the IDs of users whose interest in entityCode covers
// entityID, either explicitly or through the wildcard state. Delivery to
// live connections is resolved by the caller through the connection
// registry, which naturally filters out dead connections.
func (r *Subscriptions) Match(entityCode, entityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var userIDs []string
	for userID := range r.byCode[entityCode] {
		key := bucketKey{userID: userID, entityCode: entityCode}
		if set, ok := r.buckets[key]; ok && set.matches(entityID) {
			userIDs = append(userIDs, userID)
		}
	}
	return userIDs
}

// Stats returns counts for the health and stats endpoints.
func (r *Subscriptions) Stats() SubscriptionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return SubscriptionStats{
		Buckets:     len(r.buckets),
		Connections: len(r.byConn),
		Detached:    len(r.detachedAt),
	}
}

// removeBucketLocked drops a bucket and all its bookkeeping. Caller holds mu.
func (r *Subscriptions) removeBucketLocked(key bucketKey) {
	delete(r.buckets, key)
	delete(r.detachedAt, key)

	for connID := range r.owners[key] {
		if connKeys, ok := r.byConn[connID]; ok {
			delete(connKeys, key)
			if len(connKeys) == 0 {
				delete(r.byConn, connID)
			}
		}
	}
	delete(r.owners, key)

	if users, ok := r.byCode[key.entityCode]; ok {
		delete(users, key.userID)
		if len(users) == 0 {
			delete(r.byCode, key.entityCode)
		}
	}
}

func (r *Subscriptions) updateGaugeLocked() {
	metrics.SubscriptionBucketsCurrent.Set(float64(len(r.buckets)))
}
