package convex

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update.
// callbacks are not comparable so each registration gets an id,
// and removal is by id. `Get` preserves registration order.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	callbackIds    []int
	callbacks      map[int]T
	nextCallbackId int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = slices.Delete(nextCallbackIds, i, i+1)
	self.callbackIds = nextCallbackIds
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.callbackIds)
}

// broadcasts a state change to all waiters.
// waiters select on `NotifyChannel` and re-read state when it closes.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.update
}

// closes the update channel and creates a new one
func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

// waits out the remainder of `timeout` measured from create
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining < 0 {
		remaining = 0
	}
	return time.After(remaining)
}

// defensive copy of a value delivered by the remote client.
// the remote client may reuse or mutate its own storage,
// and cache entries must not alias it.
func deepCopyValue(value Value) Value {
	switch v := value.(type) {
	case nil:
		return nil
	case bool, string, int, int64, float32, float64:
		return v
	case map[string]Value:
		next := make(map[string]Value, len(v))
		for key, item := range v {
			next[key] = deepCopyValue(item)
		}
		return next
	case []Value:
		next := make([]Value, len(v))
		for i, item := range v {
			next[i] = deepCopyValue(item)
		}
		return next
	default:
		// uncommon value type. round trip through json
		valueJson, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var next Value
		if err := json.Unmarshal(valueJson, &next); err != nil {
			return v
		}
		return next
	}
}

func deepCopyArgs(args map[string]Value) map[string]Value {
	if args == nil {
		return nil
	}
	next := make(map[string]Value, len(args))
	for key, item := range args {
		next[key] = deepCopyValue(item)
	}
	return next
}

func deepCopyError(err error) error {
	if remoteErr, ok := err.(*RemoteError); ok {
		return &RemoteError{
			Message: remoteErr.Message,
			Data:    deepCopyValue(remoteErr.Data),
		}
	}
	return err
}
