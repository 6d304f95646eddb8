package convex

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// canonical identity of one (function, args) pair.
// structurally equal pairs always encode to the same key,
// independent of map insertion order or object identity.
type CacheKey = string

// sorts map keys recursively so the encoding is canonical
var canonicalJson = jsoniter.Config{
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// EncodeCacheKey serializes (function, args) to a canonical string key.
//
// nil args and empty args are the same call and encode identically.
// args that cannot be represented as json (functions, channels, ...)
// fail with ErrInvalidArgument. keys are the full canonical encoding,
// not a hash, so two distinct pairs cannot collide.
func EncodeCacheKey(function FunctionReference, args map[string]Value) (CacheKey, error) {
	if err := function.check(); err != nil {
		return "", err
	}

	if args == nil {
		args = map[string]Value{}
	}
	argsJson, err := canonicalJson.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: args are not serializable: %s", ErrInvalidArgument, err)
	}

	pathJson, err := canonicalJson.Marshal(function.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}

	var b strings.Builder
	b.WriteByte('[')
	b.Write(pathJson)
	b.WriteByte(',')
	b.Write(argsJson)
	b.WriteByte(']')
	return b.String(), nil
}
