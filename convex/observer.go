package convex

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// args and options are always suppliers. a constant is a supplier
// returning a constant.
type ArgsFunction = func() map[string]Value
type QueryOptionsFunction = func() QueryOptions

type QueryOptions struct {
	// shown as the result until the observed args first move off their
	// initial value. permanently disabled for the binding afterward.
	InitialData    Value
	HasInitialData bool
	// on an args change, keep showing the previous successful result
	// flagged stale until the new args' result arrives
	KeepPreviousData bool
}

// the derived view an observer presents to its listeners
type QueryResult struct {
	Value     Value
	HasValue  bool
	Err       error
	IsLoading bool
	IsStale   bool
}

// QueryObserver binds one call site to a cache entry and recomputes a
// derived view on every relevant change.
//
// `Update` re-evaluates the args supplier and rebinds when the cache key
// changes. with no cache (server render, non-live context) the observer
// drives the same derivation directly against the remote client with
// locally held state.
type QueryObserver struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache        *QueryCache
	remoteClient RemoteClient
	function     FunctionReference
	argsFn       ArgsFunction
	optionsFn    QueryOptionsFunction

	listeners *CallbackList[func()]

	stateLock sync.Mutex
	key       CacheKey
	args      map[string]Value

	subscription *QuerySubscription

	// storeless mode state
	localValue    Value
	localHasValue bool
	localErr      error
	localUnsub    func()

	// previous binding's last genuine result, for keepPreviousData
	prevValue    Value
	prevKey      CacheKey
	hasPrevValue bool

	initialKey         CacheKey
	initialDataEnabled bool

	closed bool
}

func NewQueryObserver(
	ctx context.Context,
	cache *QueryCache,
	remoteClient RemoteClient,
	function FunctionReference,
	argsFn ArgsFunction,
	optionsFn QueryOptionsFunction,
) (*QueryObserver, error) {
	if err := function.check(); err != nil {
		return nil, err
	}
	if cache != nil && remoteClient == nil {
		remoteClient = cache.remoteClient
	}
	if remoteClient == nil {
		return nil, fmt.Errorf("%w: no cache and no remote client", ErrInvalidArgument)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	observer := &QueryObserver{
		ctx:                cancelCtx,
		cancel:             cancel,
		cache:              cache,
		remoteClient:       remoteClient,
		function:           function,
		argsFn:             argsFn,
		optionsFn:          optionsFn,
		listeners:          NewCallbackList[func()](),
		initialDataEnabled: true,
	}
	if err := observer.Update(); err != nil {
		cancel()
		return nil, err
	}
	return observer, nil
}

func (self *QueryObserver) evalArgs() map[string]Value {
	if self.argsFn == nil {
		return nil
	}
	return self.argsFn()
}

func (self *QueryObserver) evalOptions() QueryOptions {
	if self.optionsFn == nil {
		return QueryOptions{}
	}
	return self.optionsFn()
}

// Update re-evaluates the args supplier. when the canonical key changed,
// the prior binding is released and a new one is established against the
// (possibly newly created) entry. a no-op when the key is unchanged.
func (self *QueryObserver) Update() error {
	args := self.evalArgs()
	key, err := EncodeCacheKey(self.function, args)
	if err != nil {
		return err
	}
	options := self.evalOptions()

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return fmt.Errorf("observer closed")
	}
	if key == self.key && self.key != "" {
		self.stateLock.Unlock()
		return nil
	}

	firstBind := self.key == ""
	if firstBind {
		self.initialKey = key
	} else if key != self.initialKey {
		// args moved off their initial value. the escape hatch is
		// disabled for the rest of the binding's lifetime
		self.initialDataEnabled = false
	}

	// capture the old binding's last genuine result before release
	if !firstBind {
		if self.cache != nil {
			if state, ok := self.cache.readEntry(self.key); ok {
				if state.hasLastResult && state.lastErr == nil {
					self.prevValue = state.lastValue
					self.prevKey = self.key
					self.hasPrevValue = true
				}
			}
		} else if self.localHasValue {
			self.prevValue = self.localValue
			self.prevKey = self.key
			self.hasPrevValue = true
		}
	}

	oldSubscription := self.subscription
	oldLocalUnsub := self.localUnsub
	self.subscription = nil
	self.localUnsub = nil
	self.localValue = nil
	self.localHasValue = false
	self.localErr = nil
	self.key = key
	self.args = deepCopyArgs(args)
	initialDataEnabled := self.initialDataEnabled
	self.stateLock.Unlock()

	glog.V(1).Infof("[obs]bind %s\n", key)

	// release the prior binding, then establish the new one
	if oldSubscription != nil {
		oldSubscription.Unsubscribe()
	}
	if oldLocalUnsub != nil {
		oldLocalUnsub()
	}

	if self.cache != nil {
		var subscribeOptions *SubscribeOptions
		if options.HasInitialData && initialDataEnabled {
			subscribeOptions = &SubscribeOptions{
				InitialData:    options.InitialData,
				HasInitialData: true,
			}
		}
		subscription, err := self.cache.Subscribe(self.function, args, self.notify, subscribeOptions)
		if err != nil {
			return err
		}
		closeNow := false
		self.stateLock.Lock()
		if self.closed || self.key != key {
			closeNow = true
		} else {
			self.subscription = subscription
		}
		self.stateLock.Unlock()
		if closeNow {
			subscription.Unsubscribe()
		}
		return nil
	}

	// storeless mode
	self.stateLock.Lock()
	if options.HasInitialData && initialDataEnabled {
		self.localValue = deepCopyValue(options.InitialData)
		self.localHasValue = true
	}
	self.stateLock.Unlock()

	if self.remoteClient.Disabled() {
		// no live subscriptions in disabled mode.
		// reads fall through to the local fast path
		return nil
	}

	localUnsub, err := self.remoteClient.OnUpdate(
		self.function,
		args,
		func(value Value) {
			self.applyLocalValue(key, value)
		},
		func(err error) {
			self.applyLocalError(key, err)
		},
	)
	if err != nil {
		return err
	}
	closeNow := false
	self.stateLock.Lock()
	if self.closed || self.key != key {
		closeNow = true
	} else {
		self.localUnsub = localUnsub
	}
	self.stateLock.Unlock()
	if closeNow {
		localUnsub()
	}
	return nil
}

func (self *QueryObserver) applyLocalValue(key CacheKey, value Value) {
	self.stateLock.Lock()
	if self.closed || key != self.key {
		self.stateLock.Unlock()
		return
	}
	self.localValue = deepCopyValue(value)
	self.localHasValue = true
	self.localErr = nil
	self.stateLock.Unlock()

	self.notify()
}

func (self *QueryObserver) applyLocalError(key CacheKey, err error) {
	self.stateLock.Lock()
	if self.closed || key != self.key {
		self.stateLock.Unlock()
		return
	}
	self.localErr = deepCopyError(err)
	self.localValue = nil
	self.localHasValue = false
	self.stateLock.Unlock()

	self.notify()
}

// Result derives the current view. priority, first match wins:
//  1. the entry has data: show it, stale iff the entry is stale
//  2. the entry has an error: show it
//  3. keepPreviousData with changed args: show the previous successful
//     result flagged stale
//  4. a synchronous local read through the remote client: value shown
//     fresh, failure shown as error, otherwise still loading
func (self *QueryObserver) Result() QueryResult {
	options := self.evalOptions()

	self.stateLock.Lock()
	key := self.key
	args := self.args
	var state entryState
	var present bool
	if self.cache != nil {
		state, present = self.cache.readEntry(key)
	} else {
		state = entryState{
			value:    self.localValue,
			hasValue: self.localHasValue,
			err:      self.localErr,
		}
		present = true
	}
	prevValue := self.prevValue
	prevKey := self.prevKey
	hasPrevValue := self.hasPrevValue
	self.stateLock.Unlock()

	if present && state.hasValue {
		return QueryResult{
			Value:    state.value,
			HasValue: true,
			IsStale:  state.isStale,
		}
	}
	if present && state.err != nil {
		return QueryResult{
			Err: state.err,
		}
	}
	if options.KeepPreviousData && hasPrevValue && prevKey != key {
		return QueryResult{
			Value:    prevValue,
			HasValue: true,
			IsStale:  true,
		}
	}

	value, ok, err := self.localQueryResult(args)
	if err != nil {
		return QueryResult{
			Err: err,
		}
	}
	if ok {
		return QueryResult{
			Value:    value,
			HasValue: true,
		}
	}
	return QueryResult{
		IsLoading: true,
	}
}

// the remote client contract is to return failures, not raise them.
// a raised error becomes an error result. a raised non-error value is a
// client bug: logged and re-raised.
func (self *QueryObserver) localQueryResult(args map[string]Value) (value Value, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if recoveredErr, isErr := r.(error); isErr {
				value = nil
				ok = false
				err = recoveredErr
			} else {
				glog.Errorf("[obs]local read raised a non-error value: %v\n", r)
				panic(r)
			}
		}
	}()
	value, ok, err = self.remoteClient.LocalQueryResult(self.function.Path, args)
	return
}

func (self *QueryObserver) notify() {
	for _, listener := range self.listeners.Get() {
		listener_ := listener
		HandleError(func() {
			listener_()
		})
	}
}

// the ui layer registers here and re-reads `Result` on each signal
func (self *QueryObserver) AddListener(listener func()) int {
	return self.listeners.Add(listener)
}

func (self *QueryObserver) RemoveListener(listenerId int) {
	self.listeners.Remove(listenerId)
}

func (self *QueryObserver) Close() {
	self.cancel()

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	subscription := self.subscription
	localUnsub := self.localUnsub
	self.subscription = nil
	self.localUnsub = nil
	self.stateLock.Unlock()

	if subscription != nil {
		subscription.Unsubscribe()
	}
	if localUnsub != nil {
		localUnsub()
	}
}
