package convex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SyncTransport is the RemoteClient over the deployment's websocket sync
// endpoint. it speaks a json message protocol: the client sends connect/
// subscribe/unsubscribe, the server pushes update/error per subscription.
// the single read pump preserves per-subscription delivery order.

type SyncTransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultSyncTransportSettings() *SyncTransportSettings {
	return &SyncTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

type ClientAuth struct {
	AuthToken  string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) Subject() (string, error) {
	claims, err := ParseAuthTokenUnverified(self.AuthToken)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

const (
	syncMessageTypeConnect     = "connect"
	syncMessageTypeConnected   = "connected"
	syncMessageTypeSubscribe   = "subscribe"
	syncMessageTypeUnsubscribe = "unsubscribe"
	syncMessageTypeUpdate      = "update"
	syncMessageTypeError       = "error"
	syncMessageTypePing        = "ping"
)

type syncMessage struct {
	Type           string           `json:"type"`
	SubscriptionId string           `json:"subscriptionId,omitempty"`
	Path           string           `json:"path,omitempty"`
	Args           map[string]Value `json:"args,omitempty"`
	Value          Value            `json:"value,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	ErrorData      Value            `json:"errorData,omitempty"`
	AuthToken      string           `json:"authToken,omitempty"`
	InstanceId     string           `json:"instanceId,omitempty"`
	AppVersion     string           `json:"appVersion,omitempty"`
}

type syncSubscription struct {
	subId    Id
	key      CacheKey
	function FunctionReference
	args     map[string]Value
	onData   func(Value)
	onError  func(error)

	// last delivered result, backing the synchronous local read
	lastValue    Value
	hasLastValue bool
	lastErr      error
}

func (self *syncSubscription) subscribeMessage() *syncMessage {
	return &syncMessage{
		Type:           syncMessageTypeSubscribe,
		SubscriptionId: self.subId.String(),
		Path:           self.function.Path,
		Args:           self.args,
	}
}

type SyncTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	syncUrl  string
	auth     *ClientAuth
	disabled bool

	settings *SyncTransportSettings

	send chan *syncMessage

	stateLock sync.Mutex
	subs      map[Id]*syncSubscription
}

func NewSyncTransportWithDefaults(ctx context.Context, syncUrl string, auth *ClientAuth) *SyncTransport {
	return NewSyncTransport(ctx, syncUrl, auth, DefaultSyncTransportSettings())
}

func NewSyncTransport(ctx context.Context, syncUrl string, auth *ClientAuth, settings *SyncTransportSettings) *SyncTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &SyncTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		syncUrl:  syncUrl,
		auth:     auth,
		settings: settings,
		send:     make(chan *syncMessage, settings.SendBufferSize),
		subs:     map[Id]*syncSubscription{},
	}
	go transport.run()
	return transport
}

// a disabled transport never dials and never subscribes.
// server render mode: observers fall back to the local read path.
func NewDisabledSyncTransport(ctx context.Context) *SyncTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		disabled: true,
		settings: DefaultSyncTransportSettings(),
		subs:     map[Id]*syncSubscription{},
	}
}

func (self *SyncTransport) subject() string {
	if self.auth == nil {
		return ""
	}
	subject, _ := self.auth.Subject()
	return subject
}

func (self *SyncTransport) run() {
	defer self.cancel()

	subject := self.subject()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.syncUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			connectMessage := &syncMessage{
				Type: syncMessageTypeConnect,
			}
			if self.auth != nil {
				connectMessage.AuthToken = self.auth.AuthToken
				connectMessage.InstanceId = self.auth.InstanceId.String()
				connectMessage.AppVersion = self.auth.AppVersion
			}
			connectJson, err := json.Marshal(connectMessage)
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, connectJson); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			_, message, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			var ack syncMessage
			if err := json.Unmarshal(message, &ack); err != nil {
				return nil, err
			}
			if ack.Type != syncMessageTypeConnected {
				return nil, fmt.Errorf("Auth response error: %s.", ack.Type)
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[st]connect %s", subject), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[st]auth error %s = %s\n", subject, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			// replay live subscriptions on the new connection,
			// oldest first
			self.stateLock.Lock()
			subs := maps.Values(self.subs)
			self.stateLock.Unlock()
			slices.SortFunc(subs, func(a *syncSubscription, b *syncSubscription) int {
				if a.subId.LessThan(b.subId) {
					return -1
				} else if b.subId.LessThan(a.subId) {
					return 1
				} else {
					return 0
				}
			})
			for _, sub := range subs {
				subscribeJson, err := json.Marshal(sub.subscribeMessage())
				if err != nil {
					continue
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, subscribeJson); err != nil {
					glog.Infof("[st]resubscribe error %s = %s\n", subject, err)
					return
				}
			}

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message := <-self.send:
						messageJson, err := json.Marshal(message)
						if err != nil {
							glog.Errorf("[sts]%s-> encode error = %s\n", subject, err)
							continue
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, messageJson); err != nil {
							// a dropped subscribe is replayed on reconnect.
							// a dropped unsubscribe leaves the server
							// streaming a sub the read pump will ignore
							glog.Infof("[sts]%s-> error = %s\n", subject, err)
							return
						}
						glog.V(2).Infof("[sts]%s->\n", subject)
					case <-time.After(self.settings.PingTimeout):
						pingJson, _ := json.Marshal(&syncMessage{
							Type: syncMessageTypePing,
						})
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, pingJson); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[str]%s<- error = %s\n", subject, err)
						return
					}

					var m syncMessage
					if err := json.Unmarshal(message, &m); err != nil {
						glog.Infof("[str]%s<- malformed message = %s\n", subject, err)
						continue
					}
					self.dispatch(&m)
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		if glog.V(2) {
			Trace(fmt.Sprintf("[st]connect run %s", subject), c)
		} else {
			c()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *SyncTransport) dispatch(message *syncMessage) {
	switch message.Type {
	case syncMessageTypePing:
		glog.V(2).Infof("[str]ping\n")
	case syncMessageTypeUpdate:
		subId, err := ParseId(message.SubscriptionId)
		if err != nil {
			return
		}
		self.stateLock.Lock()
		sub, ok := self.subs[subId]
		if ok {
			sub.lastValue = message.Value
			sub.hasLastValue = true
			sub.lastErr = nil
		}
		self.stateLock.Unlock()

		if ok {
			glog.V(2).Infof("[str]update %s\n", message.SubscriptionId)
			onData := sub.onData
			value := message.Value
			HandleError(func() {
				onData(value)
			})
		}
	case syncMessageTypeError:
		subId, err := ParseId(message.SubscriptionId)
		if err != nil {
			return
		}
		remoteErr := &RemoteError{
			Message: message.ErrorMessage,
			Data:    message.ErrorData,
		}
		self.stateLock.Lock()
		sub, ok := self.subs[subId]
		if ok {
			sub.lastErr = remoteErr
			sub.lastValue = nil
			sub.hasLastValue = false
		}
		self.stateLock.Unlock()

		if ok {
			glog.V(2).Infof("[str]error %s = %s\n", message.SubscriptionId, remoteErr)
			onError := sub.onError
			HandleError(func() {
				onError(remoteErr)
			})
		}
	default:
		glog.V(2).Infof("[str]other=%s\n", message.Type)
	}
}

func (self *SyncTransport) sendMessage(message *syncMessage) {
	select {
	case <-self.ctx.Done():
	case self.send <- message:
	case <-time.After(self.settings.WriteTimeout):
		// full
		glog.Infof("[st]send buffer full. drop %s\n", message.Type)
	}
}

// RemoteClient implementation

func (self *SyncTransport) OnUpdate(function FunctionReference, args map[string]Value, onData func(Value), onError func(error)) (func(), error) {
	key, err := EncodeCacheKey(function, args)
	if err != nil {
		return nil, err
	}

	if self.disabled {
		// no live subscriptions in disabled mode
		return func() {}, nil
	}

	sub := &syncSubscription{
		subId:    NewId(),
		key:      key,
		function: function,
		args:     deepCopyArgs(args),
		onData:   onData,
		onError:  onError,
	}

	self.stateLock.Lock()
	self.subs[sub.subId] = sub
	self.stateLock.Unlock()

	self.sendMessage(sub.subscribeMessage())

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			self.stateLock.Lock()
			_, ok := self.subs[sub.subId]
			delete(self.subs, sub.subId)
			self.stateLock.Unlock()

			if ok {
				self.sendMessage(&syncMessage{
					Type:           syncMessageTypeUnsubscribe,
					SubscriptionId: sub.subId.String(),
				})
			}
		})
	}
	return unsubscribe, nil
}

func (self *SyncTransport) LocalQueryResult(functionPath string, args map[string]Value) (Value, bool, error) {
	key, err := EncodeCacheKey(Function(functionPath), args)
	if err != nil {
		return nil, false, err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, sub := range self.subs {
		if sub.key != key {
			continue
		}
		if sub.lastErr != nil {
			return nil, false, sub.lastErr
		}
		if sub.hasLastValue {
			return sub.lastValue, true, nil
		}
	}
	return nil, false, nil
}

func (self *SyncTransport) Disabled() bool {
	return self.disabled
}

func (self *SyncTransport) Close() {
	self.cancel()
}
