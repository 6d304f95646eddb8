package convex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// ConvexApi issues one-shot function calls over the deployment's http
// api. queries through here do not join the query cache; use an observer
// for live results. mutations are the natural sender for optimistic
// updates applied through QueryCache.UpdateQueryData.
type ConvexApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	deploymentUrl string

	authToken string
}

func NewConvexApi(deploymentUrl string) *ConvexApi {
	return NewConvexApiWithContext(context.Background(), deploymentUrl)
}

func NewConvexApiWithContext(ctx context.Context, deploymentUrl string) *ConvexApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &ConvexApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		deploymentUrl: deploymentUrl,
	}
}

// this gets attached to api calls that need it
func (self *ConvexApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

type FunctionCallArgs struct {
	Path string           `json:"path"`
	Args map[string]Value `json:"args"`
}

type FunctionCallResult struct {
	Status       string `json:"status"`
	Value        Value  `json:"value,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorData    Value  `json:"errorData,omitempty"`
}

// a failed call is a delivered result, not a raised error
func (self *FunctionCallResult) Err() error {
	if self.Status == "error" {
		return &RemoteError{
			Message: self.ErrorMessage,
			Data:    self.ErrorData,
		}
	}
	return nil
}

type QueryCallback apiCallback[*FunctionCallResult]

func (self *ConvexApi) Query(call *FunctionCallArgs, callback QueryCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/query", self.deploymentUrl),
		call,
		self.authToken,
		&FunctionCallResult{},
		callback,
	)
}

func (self *ConvexApi) QuerySync(call *FunctionCallArgs) (*FunctionCallResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/query", self.deploymentUrl),
		call,
		self.authToken,
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
}

type MutationCallback apiCallback[*FunctionCallResult]

func (self *ConvexApi) Mutation(call *FunctionCallArgs, callback MutationCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/mutation", self.deploymentUrl),
		call,
		self.authToken,
		&FunctionCallResult{},
		callback,
	)
}

func (self *ConvexApi) MutationSync(call *FunctionCallArgs) (*FunctionCallResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/mutation", self.deploymentUrl),
		call,
		self.authToken,
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
}

type ActionCallback apiCallback[*FunctionCallResult]

func (self *ConvexApi) Action(call *FunctionCallArgs, callback ActionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/action", self.deploymentUrl),
		call,
		self.authToken,
		&FunctionCallResult{},
		callback,
	)
}

func (self *ConvexApi) ActionSync(call *FunctionCallArgs) (*FunctionCallResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/api/action", self.deploymentUrl),
		call,
		self.authToken,
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
}

func post[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
