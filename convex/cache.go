package convex

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// QueryCache deduplicates live query subscriptions across observers.
//
// one entry per canonical (function, args) key, ref counted by its
// subscriber callbacks. at most one remote subscription is open per key,
// however many observers watch it. the entry is evicted the moment the
// last subscriber leaves. there is no lru and no ttl.
type QueryCache struct {
	ctx    context.Context
	cancel context.CancelFunc

	remoteClient RemoteClient

	// guards the registry and all entry mutation
	stateLock sync.Mutex
	entries   map[CacheKey]*queryCacheEntry
}

func NewQueryCache(ctx context.Context, remoteClient RemoteClient) *QueryCache {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &QueryCache{
		ctx:          cancelCtx,
		cancel:       cancel,
		remoteClient: remoteClient,
		entries:      map[CacheKey]*queryCacheEntry{},
	}
}

// owned exclusively by the cache. observers only read snapshots.
type queryCacheEntry struct {
	key      CacheKey
	function FunctionReference
	args     map[string]Value

	value     Value
	hasValue  bool
	err       error
	isLoading bool
	isStale   bool

	// most recent value or error ever delivered, kept when superseded
	lastValue     Value
	lastErr       error
	hasLastResult bool

	subscribers *CallbackList[func()]

	remoteUnsub func()
}

// read-only snapshot of one entry.
// lastValue/lastErr track the most recent genuine push, which can differ
// from value after an optimistic update.
type entryState struct {
	value     Value
	hasValue  bool
	err       error
	isLoading bool
	isStale   bool

	lastValue     Value
	lastErr       error
	hasLastResult bool
}

func (self *queryCacheEntry) state() entryState {
	return entryState{
		value:         self.value,
		hasValue:      self.hasValue,
		err:           self.err,
		isLoading:     self.isLoading,
		isStale:       self.isStale,
		lastValue:     self.lastValue,
		lastErr:       self.lastErr,
		hasLastResult: self.hasLastResult,
	}
}

type SubscribeOptions struct {
	// seeds the entry on creation so the first read is not loading
	InitialData    Value
	HasInitialData bool
}

// a single subscriber's handle on an entry.
// `Unsubscribe` is idempotent.
type QuerySubscription struct {
	cache      *QueryCache
	key        CacheKey
	callbackId int
	unsubOnce  sync.Once
}

func (self *QuerySubscription) Key() CacheKey {
	return self.key
}

// current entry state. the entry may already be evicted,
// in which case ok is false.
func (self *QuerySubscription) read() (entryState, bool) {
	return self.cache.readEntry(self.key)
}

func (self *QuerySubscription) Unsubscribe() {
	self.unsubOnce.Do(func() {
		self.cache.unsubscribe(self.key, self.callbackId)
	})
}

// Subscribe opens or joins the live subscription for (function, args).
//
// `onChange` is invoked with no payload after every entry mutation, in
// registration order across all subscribers of the entry. the caller
// re-reads state through the returned subscription (pull model).
func (self *QueryCache) Subscribe(function FunctionReference, args map[string]Value, onChange func(), options *SubscribeOptions) (*QuerySubscription, error) {
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		return nil, err
	}

	select {
	case <-self.ctx.Done():
		return nil, fmt.Errorf("query cache destroyed")
	default:
	}

	self.stateLock.Lock()
	entry, ok := self.entries[key]
	if !ok {
		entry = &queryCacheEntry{
			key:         key,
			function:    function,
			args:        deepCopyArgs(args),
			isLoading:   true,
			subscribers: NewCallbackList[func()](),
		}
		if options != nil && options.HasInitialData {
			entry.value = deepCopyValue(options.InitialData)
			entry.hasValue = true
			entry.isLoading = false
		}
		self.entries[key] = entry
		glog.V(1).Infof("[qc]open %s\n", key)
	}
	callbackId := entry.subscribers.Add(onChange)
	self.stateLock.Unlock()

	if !ok {
		// open exactly one remote subscription for this key
		remoteUnsub, err := self.remoteClient.OnUpdate(
			function,
			args,
			func(value Value) {
				self.applyValue(key, value)
			},
			func(err error) {
				self.applyError(key, err)
			},
		)
		if err != nil {
			self.stateLock.Lock()
			entry.subscribers.Remove(callbackId)
			if entry.subscribers.Len() == 0 && self.entries[key] == entry {
				delete(self.entries, key)
			}
			self.stateLock.Unlock()
			return nil, err
		}

		closeNow := false
		self.stateLock.Lock()
		if self.entries[key] == entry {
			entry.remoteUnsub = remoteUnsub
		} else {
			// evicted while connecting (destroy)
			closeNow = true
		}
		self.stateLock.Unlock()
		if closeNow {
			remoteUnsub()
		}
	}

	return &QuerySubscription{
		cache:      self,
		key:        key,
		callbackId: callbackId,
	}, nil
}

func (self *QueryCache) unsubscribe(key CacheKey, callbackId int) {
	self.stateLock.Lock()
	entry, ok := self.entries[key]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	entry.subscribers.Remove(callbackId)
	var remoteUnsub func()
	if entry.subscribers.Len() == 0 {
		// ref count reached zero. this is the sole eviction mechanism
		delete(self.entries, key)
		remoteUnsub = entry.remoteUnsub
		entry.remoteUnsub = nil
		glog.V(1).Infof("[qc]close %s\n", key)
	}
	self.stateLock.Unlock()

	if remoteUnsub != nil {
		remoteUnsub()
	}
}

func (self *QueryCache) applyValue(key CacheKey, value Value) {
	self.stateLock.Lock()
	entry, ok := self.entries[key]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	entry.value = deepCopyValue(value)
	entry.hasValue = true
	entry.err = nil
	entry.isLoading = false
	entry.isStale = false
	entry.lastValue = entry.value
	entry.lastErr = nil
	entry.hasLastResult = true
	subscribers := entry.subscribers.Get()
	self.stateLock.Unlock()

	glog.V(2).Infof("[qc]value %s\n", key)
	notifySubscribers(subscribers)
}

func (self *QueryCache) applyError(key CacheKey, err error) {
	self.stateLock.Lock()
	entry, ok := self.entries[key]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	entry.err = deepCopyError(err)
	entry.value = nil
	entry.hasValue = false
	entry.isLoading = false
	entry.isStale = false
	entry.lastErr = entry.err
	entry.lastValue = nil
	entry.hasLastResult = true
	subscribers := entry.subscribers.Get()
	self.stateLock.Unlock()

	glog.V(2).Infof("[qc]error %s = %s\n", key, err)
	notifySubscribers(subscribers)
}

// UpdateQueryData applies a purely local, optimistic mutation to the
// cached value for (function, args). it does not contact the remote side
// and is overwritten by the next genuine push. a no-op if the entry is
// absent or has no data yet, or if the receiver is nil (no live cache).
//
// `update` runs with the cache locked and must not call back into it.
func (self *QueryCache) UpdateQueryData(function FunctionReference, args map[string]Value, update func(value Value) Value) {
	if self == nil {
		return
	}
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		glog.Errorf("[qc]update key error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	entry, ok := self.entries[key]
	if !ok || !entry.hasValue {
		self.stateLock.Unlock()
		return
	}
	entry.value = update(entry.value)
	entry.isStale = true
	subscribers := entry.subscribers.Get()
	self.stateLock.Unlock()

	glog.V(2).Infof("[qc]optimistic %s\n", key)
	notifySubscribers(subscribers)
}

// InvalidateQuery flags the entry as loading again. it does not itself
// trigger a new fetch. the existing live subscription's next natural
// push clears the flag. a no-op on a nil receiver or an absent entry.
func (self *QueryCache) InvalidateQuery(function FunctionReference, args map[string]Value) {
	if self == nil {
		return
	}
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		glog.Errorf("[qc]invalidate key error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	entry, ok := self.entries[key]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	entry.isLoading = true
	entry.isStale = false
	subscribers := entry.subscribers.Get()
	self.stateLock.Unlock()

	glog.V(2).Infof("[qc]invalidate %s\n", key)
	notifySubscribers(subscribers)
}

// GetQueryData is a non-subscribing read of the cached value.
// returns a defensive copy so the caller cannot mutate cache storage.
func (self *QueryCache) GetQueryData(function FunctionReference, args map[string]Value) (Value, bool) {
	if self == nil {
		return nil, false
	}
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		return nil, false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[key]
	if !ok || !entry.hasValue {
		return nil, false
	}
	return deepCopyValue(entry.value), true
}

func (self *QueryCache) readEntry(key CacheKey) (entryState, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.entries[key]
	if !ok {
		return entryState{}, false
	}
	return entry.state(), true
}

// Destroy closes every live remote subscription and clears the registry.
// called once at session teardown.
func (self *QueryCache) Destroy() {
	self.cancel()

	self.stateLock.Lock()
	remoteUnsubs := []func(){}
	for _, entry := range self.entries {
		if entry.remoteUnsub != nil {
			remoteUnsubs = append(remoteUnsubs, entry.remoteUnsub)
			entry.remoteUnsub = nil
		}
	}
	maps.Clear(self.entries)
	self.stateLock.Unlock()

	glog.V(1).Infof("[qc]destroy (%d)\n", len(remoteUnsubs))
	for _, remoteUnsub := range remoteUnsubs {
		remoteUnsub()
	}
}

func notifySubscribers(subscribers []func()) {
	for _, onChange := range subscribers {
		onChange_ := onChange
		HandleError(func() {
			onChange_()
		})
	}
}
