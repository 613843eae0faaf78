package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openpulse/pulse/internal/event"
	"github.com/openpulse/pulse/internal/observability"
	"github.com/openpulse/pulse/internal/platform/logger"
)

// Config holds claim store tunables.
type Config struct {
	// InactiveTTL is the inactivity window after which an open chain can no
	// longer be continued.
	InactiveTTL time.Duration
	// GCInterval is how often expired chains are swept.
	GCInterval time.Duration
	// MaxSessionsPerVisitor bounds open chains per device key.
	MaxSessionsPerVisitor int
}

// Service is the in-memory claim store for open session chains. A chain is
// indexed by its device key and claimed through its current exit path:
// at most one pageview may consume a given (device, exit path) position.
type Service interface {
	// InsertSession registers a new chain root. It returns false when the
	// device already holds the maximum number of open chains.
	InsertSession(deviceKey uint64, session event.Session) bool
	// AddPageview atomically claims the chain whose exit path matches the
	// document referrer and advances it to pageURI. It returns the
	// superseded and the new snapshot.
	AddPageview(deviceKey uint64, referrer event.ReferrerURI, pageURI event.URI) (prev, curr event.Session, ok bool)
	// ForkSession clones the chain currently positioned at pagePath under a
	// fresh session UUID, keeping its version. Used for page refreshes and
	// duplicated tabs, where the original chain must stay claimable.
	ForkSession(deviceKey uint64, pagePath string, sessionUUID uuid.UUID) (event.Session, bool)
	// IdentifySession rebinds the visitor id of the most recently advanced
	// open chain.
	IdentifySession(deviceKey uint64, visitorID string) (event.Session, bool)
	// WaitSession returns the most recently advanced open chain. When none
	// exists it blocks until a chain is inserted or the timeout elapses. A
	// zero timeout never blocks.
	WaitSession(deviceKey uint64, timeout time.Duration) (event.Session, bool)
	// Stop terminates the GC loop.
	Stop()
}

const shardCount = 128

type entry struct {
	session event.Session
	expiry  int64
}

type device struct {
	// Open chains ordered by recency of advance: the last entry is the most
	// recently touched one.
	entries []entry
	// Waiters parked until a chain shows up for this device.
	waiters []chan struct{}
}

type shard struct {
	mu      sync.Mutex
	devices map[uint64]*device
}

type store struct {
	log     *logger.Logger
	cfg     Config
	metrics *observability.Metrics
	shards  [shardCount]shard
	stop    chan struct{}
}

// NewService returns a claim store and starts its GC loop.
func NewService(log *logger.Logger, cfg Config, metrics *observability.Metrics) Service {
	s := &store{
		log: log.With(
			"service", "sessions",
			"inactive_ttl", cfg.InactiveTTL,
			"gc_interval", cfg.GCInterval,
			"max_sessions_per_visitor", cfg.MaxSessionsPerVisitor,
		),
		cfg:     cfg,
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].devices = make(map[uint64]*device)
	}

	go s.gcLoop()

	s.log.Info("session claim store configured")
	return s
}

func (s *store) shard(deviceKey uint64) *shard {
	return &s.shards[deviceKey%shardCount]
}

func (s *store) newExpiry(now time.Time) int64 {
	return now.Add(s.cfg.InactiveTTL).Unix()
}

// InsertSession implements Service.
func (s *store) InsertSession(deviceKey uint64, session event.Session) bool {
	now := time.Now()
	sh := s.shard(deviceKey)

	sh.mu.Lock()
	dev := sh.devices[deviceKey]
	if dev == nil {
		dev = &device{}
		sh.devices[deviceKey] = dev
	}
	if len(dev.entries) >= s.cfg.MaxSessionsPerVisitor {
		sh.mu.Unlock()
		s.metrics.SessionEvent("rejected")
		return false
	}
	dev.entries = append(dev.entries, entry{session: session, expiry: s.newExpiry(now)})
	waiters := dev.waiters
	dev.waiters = nil
	sh.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	s.metrics.SessionEvent("inserted")
	s.metrics.SessionsActiveAdd(1)
	return true
}

// AddPageview implements Service.
func (s *store) AddPageview(deviceKey uint64, referrer event.ReferrerURI, pageURI event.URI) (prev, curr event.Session, ok bool) {
	now := time.Now()
	sh := s.shard(deviceKey)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	dev := sh.devices[deviceKey]
	if dev == nil {
		return event.Session{}, event.Session{}, false
	}

	i := dev.find(referrer.Path(), now.Unix())
	if i < 0 {
		return event.Session{}, event.Session{}, false
	}

	prev = dev.entries[i].session

	next := prev
	next.Version++
	next.PageURI = pageURI
	next.ExitTime = now.UTC()

	dev.touch(i, entry{session: next, expiry: s.newExpiry(now)})
	return prev, next, true
}

// ForkSession implements Service.
func (s *store) ForkSession(deviceKey uint64, pagePath string, sessionUUID uuid.UUID) (event.Session, bool) {
	now := time.Now()
	sh := s.shard(deviceKey)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	dev := sh.devices[deviceKey]
	if dev == nil {
		return event.Session{}, false
	}
	i := dev.find(pagePath, now.Unix())
	if i < 0 {
		return event.Session{}, false
	}

	forked := dev.entries[i].session
	forked.SessionUUID = sessionUUID
	if len(dev.entries) < s.cfg.MaxSessionsPerVisitor {
		dev.entries = append(dev.entries, entry{session: forked, expiry: s.newExpiry(now)})
		s.metrics.SessionEvent("forked")
		s.metrics.SessionsActiveAdd(1)
	}
	return forked, true
}

// IdentifySession implements Service.
func (s *store) IdentifySession(deviceKey uint64, visitorID string) (event.Session, bool) {
	now := time.Now()
	sh := s.shard(deviceKey)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	dev := sh.devices[deviceKey]
	if dev == nil {
		return event.Session{}, false
	}
	i := dev.latest(now.Unix())
	if i < 0 {
		return event.Session{}, false
	}

	dev.entries[i].session.VisitorID = visitorID
	dev.entries[i].expiry = s.newExpiry(now)
	return dev.entries[i].session, true
}

// WaitSession implements Service.
func (s *store) WaitSession(deviceKey uint64, timeout time.Duration) (event.Session, bool) {
	deadline := time.Now().Add(timeout)

	for {
		now := time.Now()
		sh := s.shard(deviceKey)

		sh.mu.Lock()
		dev := sh.devices[deviceKey]
		if dev != nil {
			if i := dev.latest(now.Unix()); i >= 0 {
				sess := dev.entries[i].session
				sh.mu.Unlock()
				return sess, true
			}
		}
		if timeout == 0 || !now.Before(deadline) {
			sh.mu.Unlock()
			return event.Session{}, false
		}

		// Park until the session-creating pageview lands.
		if dev == nil {
			dev = &device{}
			sh.devices[deviceKey] = dev
		}
		wait := make(chan struct{})
		dev.waiters = append(dev.waiters, wait)
		sh.mu.Unlock()

		s.metrics.SessionsWaitInc()
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-wait:
			timer.Stop()
			s.metrics.SessionsWaitDec()
		case <-timer.C:
			s.metrics.SessionsWaitDec()
			s.dropWaiter(deviceKey, wait)
			return event.Session{}, false
		}
	}
}

// dropWaiter removes a timed-out waiter so an idle device does not pin its
// map slot.
func (s *store) dropWaiter(deviceKey uint64, wait chan struct{}) {
	sh := s.shard(deviceKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	dev := sh.devices[deviceKey]
	if dev == nil {
		return
	}
	for i, w := range dev.waiters {
		if w == wait {
			dev.waiters = append(dev.waiters[:i], dev.waiters[i+1:]...)
			break
		}
	}
	if len(dev.entries) == 0 && len(dev.waiters) == 0 {
		delete(sh.devices, deviceKey)
	}
}

// Stop implements Service.
func (s *store) Stop() {
	close(s.stop)
}

// find returns the index of the non-expired chain whose exit path equals
// path, or -1. Caller must hold the shard mutex.
func (d *device) find(path string, nowUnix int64) int {
	for i := len(d.entries) - 1; i >= 0; i-- {
		if d.entries[i].expiry > nowUnix && d.entries[i].session.PageURI.Path() == path {
			return i
		}
	}
	return -1
}

// latest returns the index of the most recently advanced non-expired chain,
// or -1. Caller must hold the shard mutex.
func (d *device) latest(nowUnix int64) int {
	for i := len(d.entries) - 1; i >= 0; i-- {
		if d.entries[i].expiry > nowUnix {
			return i
		}
	}
	return -1
}

// touch replaces entry i with e and moves it to the end, keeping recency
// order. Caller must hold the shard mutex.
func (d *device) touch(i int, e entry) {
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	d.entries = append(d.entries, e)
}

func (s *store) gcLoop() {
	tick := time.NewTicker(s.cfg.GCInterval)
	defer tick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-tick.C:
			s.collect(now.Unix())
		}
	}
}

func (s *store) collect(nowUnix int64) {
	var expired int
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, dev := range sh.devices {
			kept := dev.entries[:0]
			for _, e := range dev.entries {
				if e.expiry > nowUnix {
					kept = append(kept, e)
				} else {
					expired++
					s.metrics.ObserveSessionPageviews(float64(e.session.Version))
				}
			}
			dev.entries = kept
			if len(dev.entries) == 0 && len(dev.waiters) == 0 {
				delete(sh.devices, key)
			}
		}
		sh.mu.Unlock()
	}

	if expired > 0 {
		s.metrics.SessionEventAdd("expired", float64(expired))
		s.metrics.SessionsActiveAdd(-float64(expired))
		s.log.Debug("expired sessions collected", "count", expired)
	}
}
