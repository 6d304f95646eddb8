package convex

import (
	"errors"
	"flag"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time.
	// subscription replay on reconnect relies on this

	a := NewId()
	for i := 0; i < 1024; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	id, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, test1.A)
}

func TestFunctionReference(t *testing.T) {
	f := Function("messages:list")
	assert.Equal(t, f.check(), nil)
	assert.Equal(t, f.String(), "messages:list")

	empty := Function("")
	err := empty.check()
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)
}

func TestRemoteError(t *testing.T) {
	err := &RemoteError{
		Message: "row not found",
		Data: map[string]Value{
			"code": "NOT_FOUND",
		},
	}
	assert.NotEqual(t, err.Error(), "")

	var remoteErr *RemoteError
	assert.Equal(t, errors.As(error(err), &remoteErr), true)
}

// in-memory remote client double.
// records each subscription and lets the test push values and errors

type testRemoteSub struct {
	key      CacheKey
	function FunctionReference
	args     map[string]Value
	onData   func(Value)
	onError  func(error)

	unsubCount int
}

type testRemoteClient struct {
	stateLock sync.Mutex

	disabled     bool
	subscribeErr error

	subs []*testRemoteSub

	localResults map[CacheKey]Value
	localErrs    map[CacheKey]error
	localPanic   any

	closed bool
}

func newTestRemoteClient() *testRemoteClient {
	return &testRemoteClient{
		localResults: map[CacheKey]Value{},
		localErrs:    map[CacheKey]error{},
	}
}

func (self *testRemoteClient) OnUpdate(function FunctionReference, args map[string]Value, onData func(Value), onError func(error)) (func(), error) {
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		return nil, err
	}

	self.stateLock.Lock()
	if self.subscribeErr != nil {
		subscribeErr := self.subscribeErr
		self.stateLock.Unlock()
		return nil, subscribeErr
	}
	sub := &testRemoteSub{
		key:      key,
		function: function,
		args:     deepCopyArgs(args),
		onData:   onData,
		onError:  onError,
	}
	self.subs = append(self.subs, sub)
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		sub.unsubCount += 1
		self.stateLock.Unlock()
	}, nil
}

func (self *testRemoteClient) LocalQueryResult(functionPath string, args map[string]Value) (Value, bool, error) {
	if self.localPanic != nil {
		panic(self.localPanic)
	}

	key, err := EncodeCacheKey(Function(functionPath), args)
	if err != nil {
		return nil, false, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if localErr, ok := self.localErrs[key]; ok {
		return nil, false, localErr
	}
	if value, ok := self.localResults[key]; ok {
		return value, true, nil
	}
	return nil, false, nil
}

func (self *testRemoteClient) Disabled() bool {
	return self.disabled
}

func (self *testRemoteClient) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
}

func (self *testRemoteClient) sub(i int) *testRemoteSub {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.subs[i]
}

func (self *testRemoteClient) subCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subs)
}

// subscribe calls for the key, live and closed
func (self *testRemoteClient) keySubCount(function FunctionReference, args map[string]Value) int {
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		return 0
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, sub := range self.subs {
		if sub.key == key {
			count += 1
		}
	}
	return count
}

func (self *testRemoteClient) activeSubs(function FunctionReference, args map[string]Value) []*testRemoteSub {
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	active := []*testRemoteSub{}
	for _, sub := range self.subs {
		if sub.key == key && sub.unsubCount == 0 {
			active = append(active, sub)
		}
	}
	return active
}

func (self *testRemoteClient) push(function FunctionReference, args map[string]Value, value Value) {
	for _, sub := range self.activeSubs(function, args) {
		sub.onData(value)
	}
}

func (self *testRemoteClient) pushError(function FunctionReference, args map[string]Value, err error) {
	for _, sub := range self.activeSubs(function, args) {
		sub.onError(err)
	}
}
