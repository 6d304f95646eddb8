package convex

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/oklog/ulid/v2"
)

// a reactive query client: declare a (function, args) pair and receive a
// live, continuously updated result. the query cache deduplicates remote
// subscriptions across observers, and the paginated observer stacks
// per-page observers into one ordered list.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// any json-compatible value delivered by the deployment
type Value = any

var ErrInvalidArgument = errors.New("invalid argument")

// a query/mutation/action failure delivered by the remote side.
// never raised to the caller. surfaced through the result error field.
type RemoteError struct {
	Message string
	Data    Value
}

func (self *RemoteError) Error() string {
	return self.Message
}

// FunctionReference identifies a function in the deployment,
// e.g. "messages:list". a structured reference instead of a bare string
// so that misuse fails at the type level.
type FunctionReference struct {
	Path string
}

func Function(path string) FunctionReference {
	return FunctionReference{
		Path: path,
	}
}

func (self FunctionReference) check() error {
	if self.Path == "" {
		return fmt.Errorf("%w: empty function path", ErrInvalidArgument)
	}
	return nil
}

func (self FunctionReference) String() string {
	return self.Path
}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// ulids from the same source are ordered by create time
func (self Id) LessThan(b Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self Id) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.String())
}

func (self *Id) UnmarshalJSON(src []byte) error {
	var idStr string
	if err := json.Unmarshal(src, &idStr); err != nil {
		return err
	}
	id, err := ParseId(idStr)
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// RemoteClient is the transport consumed by the query cache and by
// observers in storeless mode.
//
// `OnUpdate` opens one push subscription for a (function, args) pair and
// returns its release function. implementations guarantee ordered
// delivery per subscription.
// `LocalQueryResult` is a synchronous best-effort read of a result
// already resident client side: (value, true, nil) for a value,
// (nil, false, err) for an error result, (nil, false, nil) for no result.
type RemoteClient interface {
	OnUpdate(function FunctionReference, args map[string]Value, onData func(Value), onError func(error)) (func(), error)
	LocalQueryResult(functionPath string, args map[string]Value) (Value, bool, error)
	Disabled() bool
	Close()
}
