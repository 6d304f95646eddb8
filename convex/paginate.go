package convex

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type PaginationStatus string

const (
	PaginationStatusLoadingFirstPage PaginationStatus = "LoadingFirstPage"
	PaginationStatusLoadingMore      PaginationStatus = "LoadingMore"
	PaginationStatusCanLoadMore      PaginationStatus = "CanLoadMore"
	PaginationStatusExhausted        PaginationStatus = "Exhausted"
)

type PaginationOptions struct {
	InitialNumItems int
}

// one page of a paginated query as the deployment delivers it
type PaginationResult struct {
	Page           []Value
	ContinueCursor string
	IsDone         bool
}

func paginationResultFromValue(value Value) (*PaginationResult, bool) {
	m, ok := value.(map[string]Value)
	if !ok {
		return nil, false
	}
	page, ok := m["page"].([]Value)
	if !ok {
		return nil, false
	}
	result := &PaginationResult{
		Page: page,
	}
	if continueCursor, ok := m["continueCursor"].(string); ok {
		result.ContinueCursor = continueCursor
	}
	if isDone, ok := m["isDone"].(bool); ok {
		result.IsDone = isDone
	}
	return result, true
}

// page i>0's cursor is page i-1's continue cursor,
// established only after page i-1's result arrived
type paginatedPage struct {
	cursor    string
	hasCursor bool
	numItems  int
	observer  *QueryObserver
}

// PaginatedQueryObserver presents an unbounded, incrementally loaded
// ordered list by stacking one query observer per page over the same
// cache. pages never reorder, and a page's items are only re-fetched by
// the normal subscription refresh of its own observer.
type PaginatedQueryObserver struct {
	ctx    context.Context
	cancel context.CancelFunc

	cache        *QueryCache
	remoteClient RemoteClient
	function     FunctionReference
	argsFn       ArgsFunction

	listeners *CallbackList[func()]

	stateLock   sync.Mutex
	pages       []*paginatedPage
	loadingMore bool
	closed      bool
}

func NewPaginatedQueryObserver(
	ctx context.Context,
	cache *QueryCache,
	remoteClient RemoteClient,
	function FunctionReference,
	argsFn ArgsFunction,
	options PaginationOptions,
) (*PaginatedQueryObserver, error) {
	if err := function.check(); err != nil {
		return nil, err
	}
	if options.InitialNumItems <= 0 {
		return nil, fmt.Errorf("%w: initialNumItems must be positive", ErrInvalidArgument)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	observer := &PaginatedQueryObserver{
		ctx:          cancelCtx,
		cancel:       cancel,
		cache:        cache,
		remoteClient: remoteClient,
		function:     function,
		argsFn:       argsFn,
		listeners:    NewCallbackList[func()](),
	}

	observer.stateLock.Lock()
	defer observer.stateLock.Unlock()
	// page 0 starts at the beginning of the collection: no cursor
	if err := observer.appendPage("", false, options.InitialNumItems); err != nil {
		cancel()
		return nil, err
	}
	return observer, nil
}

// called with stateLock held
func (self *PaginatedQueryObserver) appendPage(cursor string, hasCursor bool, numItems int) error {
	page := &paginatedPage{
		cursor:    cursor,
		hasCursor: hasCursor,
		numItems:  numItems,
	}

	pageArgsFn := func() map[string]Value {
		var args map[string]Value
		if self.argsFn != nil {
			args = maps.Clone(self.argsFn())
		}
		if args == nil {
			args = map[string]Value{}
		}
		var cursorValue Value
		if hasCursor {
			cursorValue = cursor
		}
		args["paginationOpts"] = map[string]Value{
			"numItems": numItems,
			"cursor":   cursorValue,
		}
		return args
	}

	pageObserver, err := NewQueryObserver(
		self.ctx,
		self.cache,
		self.remoteClient,
		self.function,
		pageArgsFn,
		nil,
	)
	if err != nil {
		return err
	}
	page.observer = pageObserver
	self.pages = append(self.pages, page)
	pageObserver.AddListener(self.pageChanged)

	// the page may have delivered before the listener was attached
	self.settleLoadingMore()

	glog.V(1).Infof("[pq]page %d %s n=%d\n", len(self.pages)-1, self.function, numItems)
	return nil
}

func (self *PaginatedQueryObserver) pageChanged() {
	self.stateLock.Lock()
	self.settleLoadingMore()
	self.stateLock.Unlock()

	self.notify()
}

// called with stateLock held.
// a "load more" stays in flight until the newest page's observer
// delivers any result, data or error.
func (self *PaginatedQueryObserver) settleLoadingMore() {
	if !self.loadingMore {
		return
	}
	lastPage := self.pages[len(self.pages)-1]
	result := lastPage.observer.Result()
	if result.HasValue || result.Err != nil {
		self.loadingMore = false
	}
}

// Status is derived, not stored
func (self *PaginatedQueryObserver) Status() PaginationStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.status()
}

// called with stateLock held
func (self *PaginatedQueryObserver) status() PaginationStatus {
	if len(self.pages) == 0 {
		return PaginationStatusLoadingFirstPage
	}
	firstResult := self.pages[0].observer.Result()
	if !firstResult.HasValue && firstResult.Err == nil {
		return PaginationStatusLoadingFirstPage
	}
	if self.loadingMore {
		return PaginationStatusLoadingMore
	}
	lastResult := self.pages[len(self.pages)-1].observer.Result()
	if lastResult.HasValue {
		if paginationResult, ok := paginationResultFromValue(lastResult.Value); ok && paginationResult.IsDone {
			return PaginationStatusExhausted
		}
	}
	return PaginationStatusCanLoadMore
}

func (self *PaginatedQueryObserver) IsLoading() bool {
	switch self.Status() {
	case PaginationStatusLoadingFirstPage, PaginationStatusLoadingMore:
		return true
	default:
		return false
	}
}

// LoadMore appends one page continuing from the last page's cursor.
// silently ignored unless the status is exactly CanLoadMore; callers are
// expected to check status first. returns whether a page was appended.
func (self *PaginatedQueryObserver) LoadMore(numItems int) bool {
	if numItems <= 0 {
		return false
	}

	self.stateLock.Lock()
	if self.closed || self.status() != PaginationStatusCanLoadMore {
		self.stateLock.Unlock()
		return false
	}
	lastResult := self.pages[len(self.pages)-1].observer.Result()
	if !lastResult.HasValue {
		self.stateLock.Unlock()
		return false
	}
	paginationResult, ok := paginationResultFromValue(lastResult.Value)
	if !ok {
		// the last page has an unusable result, no cursor to continue from
		self.stateLock.Unlock()
		return false
	}
	self.loadingMore = true
	err := self.appendPage(paginationResult.ContinueCursor, true, numItems)
	if err != nil {
		self.loadingMore = false
		self.stateLock.Unlock()
		glog.Errorf("[pq]load more error = %s\n", err)
		return false
	}
	self.stateLock.Unlock()

	self.notify()
	return true
}

// Results is the concatenation of every delivered page's items in page
// order.
func (self *PaginatedQueryObserver) Results() []Value {
	self.stateLock.Lock()
	pages := make([]*paginatedPage, len(self.pages))
	copy(pages, self.pages)
	self.stateLock.Unlock()

	results := []Value{}
	for _, page := range pages {
		result := page.observer.Result()
		if !result.HasValue {
			continue
		}
		if paginationResult, ok := paginationResultFromValue(result.Value); ok {
			results = append(results, paginationResult.Page...)
		}
	}
	return results
}

func (self *PaginatedQueryObserver) notify() {
	for _, listener := range self.listeners.Get() {
		listener_ := listener
		HandleError(func() {
			listener_()
		})
	}
}

func (self *PaginatedQueryObserver) AddListener(listener func()) int {
	return self.listeners.Add(listener)
}

func (self *PaginatedQueryObserver) RemoveListener(listenerId int) {
	self.listeners.Remove(listenerId)
}

func (self *PaginatedQueryObserver) Close() {
	self.cancel()

	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	pages := make([]*paginatedPage, len(self.pages))
	copy(pages, self.pages)
	self.stateLock.Unlock()

	for _, page := range pages {
		page.observer.Close()
	}
}
