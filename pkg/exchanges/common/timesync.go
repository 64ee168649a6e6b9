package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync manages time synchronization with the exchange server. Request
// timestamps are stamped with local time plus the learned offset; when sync
// fails the offset stays at its last value (zero before the first success).
type TimeSync struct {
	getServerTime func() (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(getServerTime func() (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  4 * time.Hour,
	}
}

// Start performs an initial sync and then resyncs on the fixed period until
// ctx is done. Sync failures are logged, never fatal.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(); err != nil {
		log.Printf("time sync: initial sync failed, offset stays 0: %v", err)
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(); err != nil {
					log.Printf("time sync: resync failed, keeping offset %dms: %v", ts.Offset(), err)
				}
			}
		}
	}()
}

// Sync fetches server time once and updates the offset.
func (ts *TimeSync) Sync() error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime()
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// Assume network latency is symmetric.
	localMid := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localMid
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	log.Printf("time sync: offset=%dms", serverTime-localMid)
	return nil
}

// Now returns current time in ms adjusted for the server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
