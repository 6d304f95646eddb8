package convex

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEncodeCacheKeyCanonical(t *testing.T) {
	f := Function("messages:list")

	// structurally equal args encode identically,
	// whatever order the maps were built in
	a := map[string]Value{
		"channel": "general",
		"limit":   10,
		"filter": map[string]Value{
			"author": "ada",
			"since":  123,
		},
	}
	b := map[string]Value{
		"filter": map[string]Value{
			"since":  123,
			"author": "ada",
		},
		"limit":   10,
		"channel": "general",
	}

	keyA, err := EncodeCacheKey(f, a)
	assert.Equal(t, err, nil)
	keyB, err := EncodeCacheKey(f, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, keyA, keyB)

	// idempotent
	keyA2, err := EncodeCacheKey(f, a)
	assert.Equal(t, err, nil)
	assert.Equal(t, keyA, keyA2)
}

func TestEncodeCacheKeyNilArgs(t *testing.T) {
	f := Function("messages:list")

	keyNil, err := EncodeCacheKey(f, nil)
	assert.Equal(t, err, nil)
	keyEmpty, err := EncodeCacheKey(f, map[string]Value{})
	assert.Equal(t, err, nil)
	assert.Equal(t, keyNil, keyEmpty)
}

func TestEncodeCacheKeyDistinct(t *testing.T) {
	args := map[string]Value{
		"channel": "general",
	}

	keyA, err := EncodeCacheKey(Function("messages:list"), args)
	assert.Equal(t, err, nil)
	keyB, err := EncodeCacheKey(Function("messages:count"), args)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, keyA, keyB)

	keyC, err := EncodeCacheKey(Function("messages:list"), map[string]Value{
		"channel": "random",
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, keyA, keyC)
}

func TestEncodeCacheKeyErrors(t *testing.T) {
	_, err := EncodeCacheKey(Function(""), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)

	_, err = EncodeCacheKey(Function("messages:list"), map[string]Value{
		"callback": make(chan int),
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrInvalidArgument), true)
}
