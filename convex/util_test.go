package convex

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func()]()
	assert.Equal(t, callbacks.Len(), 0)

	calls := []int{}
	id0 := callbacks.Add(func() {
		calls = append(calls, 0)
	})
	id1 := callbacks.Add(func() {
		calls = append(calls, 1)
	})
	id2 := callbacks.Add(func() {
		calls = append(calls, 2)
	})
	assert.Equal(t, callbacks.Len(), 3)

	// `Get` preserves registration order
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, []int{0, 1, 2})

	callbacks.Remove(id1)
	assert.Equal(t, callbacks.Len(), 2)

	calls = []int{}
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, []int{0, 2})

	// removing an unknown id is a no-op
	callbacks.Remove(id1)
	assert.Equal(t, callbacks.Len(), 2)

	callbacks.Remove(id0)
	callbacks.Remove(id2)
	assert.Equal(t, callbacks.Len(), 0)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("notify channel closed early")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(1 * time.Second):
		t.Fatal("notify channel not closed")
	}

	// a fresh channel after each notify
	notify2 := monitor.NotifyChannel()
	select {
	case <-notify2:
		t.Fatal("notify channel closed early")
	default:
	}
}

func TestDeepCopyValue(t *testing.T) {
	value := map[string]Value{
		"items": []Value{
			map[string]Value{
				"body": "hi",
			},
		},
		"count": 1,
	}

	copied := deepCopyValue(value).(map[string]Value)
	assert.Equal(t, copied, value)

	// mutating the source must not reach the copy
	value["count"] = 2
	value["items"].([]Value)[0].(map[string]Value)["body"] = "bye"
	assert.Equal(t, copied["count"], 1)
	assert.Equal(t, copied["items"].([]Value)[0].(map[string]Value)["body"], "hi")
}

func TestDeepCopyError(t *testing.T) {
	err := &RemoteError{
		Message: "bad",
		Data: map[string]Value{
			"code": "BAD",
		},
	}

	copied := deepCopyError(err).(*RemoteError)
	assert.Equal(t, copied.Message, "bad")

	err.Data.(map[string]Value)["code"] = "WORSE"
	assert.Equal(t, copied.Data.(map[string]Value)["code"], "BAD")
}
