// Copyright 2021-2022 The tickrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/alwitt/tickrelay/wire"
	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrConnectionNotFound the connection is not (or no longer) registered
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrDuplicateConnection a connection with the same ID is already registered
	ErrDuplicateConnection = errors.New("duplicate connection")
)

// Transport the write side of a connection
type Transport interface {
	// Send queue a message for delivery. Never blocks on the network.
	Send(msg wire.Message) error
	// Close close the underlying connection. Safe to call more than once.
	Close() error
}

// Entry point in time view of one registered connection
type Entry struct {
	ID            string
	Claims        *auth.Claims
	Subscriptions map[string]bool
	LastLiveness  time.Time
	Transport     Transport
}

// IsSubscribed whether the connection is subscribed to a topic
func (e Entry) IsSubscribed(topic string) bool {
	return e.Subscriptions[topic]
}

// Topics the subscribed topics in sorted order
func (e Entry) Topics() []string {
	result := make([]string, 0, len(e.Subscriptions))
	for topic := range e.Subscriptions {
		result = append(result, topic)
	}
	sort.Strings(result)
	return result
}

// Registry the set of live connections.
//
// All operations are serialized through a single event loop, so callers on different
// goroutines always observe a consistent connection set.
type Registry interface {
	// Register add a new connection. LastLiveness starts at the time of registration.
	Register(ctx context.Context, id string, claims *auth.Claims, transport Transport) error
	// Unregister remove a connection and close its transport. Unknown IDs are ignored.
	Unregister(ctx context.Context, id string) error
	// UnregisterAll remove and close every connection
	UnregisterAll(ctx context.Context) error
	// IsLive whether a connection is registered
	IsLive(ctx context.Context, id string) (bool, error)
	// Count number of registered connections
	Count(ctx context.Context) (int, error)
	// Snapshot immutable copy of the current connection set
	Snapshot(ctx context.Context) ([]Entry, error)
	// ForEach call f for every entry of one snapshot
	ForEach(ctx context.Context, f func(Entry) error) error
	// Subscribe add a topic to a connection's subscription set
	Subscribe(ctx context.Context, id string, topic string) error
	// Unsubscribe remove a topic from a connection's subscription set
	Unsubscribe(ctx context.Context, id string, topic string) error
	// Touch record a liveness acknowledgment from a connection
	Touch(ctx context.Context, id string) error
	// EvictStale remove and close every connection silent for longer than timeout
	EvictStale(ctx context.Context, timeout time.Duration) ([]Entry, error)
}

// CountObserver notified of the connection count whenever it changes
type CountObserver func(count int)

// record registry internal per connection state
type record struct {
	claims        *auth.Claims
	subscriptions map[string]bool
	lastLiveness  time.Time
	transport     Transport
}

func (r *record) toEntry(id string) Entry {
	subs := make(map[string]bool, len(r.subscriptions))
	for topic := range r.subscriptions {
		subs[topic] = true
	}
	return Entry{
		ID:            id,
		Claims:        r.claims,
		Subscriptions: subs,
		LastLiveness:  r.lastLiveness,
		Transport:     r.transport,
	}
}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	tp          common.TaskProcessor
	clock       clockwork.Clock
	observer    CountObserver
	connections map[string]*record
}

// GetRegistry define a new Registry and start its event loop
func GetRegistry(
	ctxt context.Context,
	name string,
	clock clockwork.Clock,
	observer CountObserver,
	wg *sync.WaitGroup,
) (Registry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": name,
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tp, err := common.GetNewTaskProcessorInstance(name, 64, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &registryImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		clock:       clock,
		observer:    observer,
		connections: make(map[string]*record),
	}
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registerRequest{}):      instance.processRegister,
		reflect.TypeOf(unregisterRequest{}):    instance.processUnregister,
		reflect.TypeOf(unregisterAllRequest{}): instance.processUnregisterAll,
		reflect.TypeOf(lookupRequest{}):        instance.processLookup,
		reflect.TypeOf(snapshotRequest{}):      instance.processSnapshot,
		reflect.TypeOf(subscriptionRequest{}):  instance.processSubscription,
		reflect.TypeOf(touchRequest{}):         instance.processTouch,
		reflect.TypeOf(evictRequest{}):         instance.processEvict,
	}
	if err := tp.SetTaskExecutionMap(handlers); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

// =========================================================================

// requestResult generic result of one registry request
type requestResult struct {
	entries []Entry
	flag    bool
	count   int
	err     error
}

// newResultChan buffered so the event loop never blocks on an abandoned caller
func newResultChan() chan requestResult {
	return make(chan requestResult, 1)
}

// submit hand a request to the event loop and wait for its result
func (r *registryImpl) submit(
	ctx context.Context, request interface{}, resultChan chan requestResult,
) (requestResult, error) {
	if err := r.tp.Submit(request, ctx); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit %s", reflect.TypeOf(request),
		)
		return requestResult{}, err
	}
	select {
	case result, ok := <-resultChan:
		if !ok {
			return requestResult{}, fmt.Errorf("invalid response to %s", reflect.TypeOf(request))
		}
		return result, result.err
	case <-ctx.Done():
		return requestResult{}, ctx.Err()
	}
}

func unexpectedParam(op string, param interface{}) error {
	return fmt.Errorf("can not process unknown type %s for %s", reflect.TypeOf(param), op)
}

func (r *registryImpl) notifyCount() {
	if r.observer != nil {
		r.observer(len(r.connections))
	}
}

// closeTransport close a removed connection's transport
func (r *registryImpl) closeTransport(id string, rec *record) {
	if err := rec.transport.Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf("Closing transport of %s", id)
	}
}

// =========================================================================

type registerRequest struct {
	id        string
	claims    *auth.Claims
	transport Transport
	result    chan requestResult
}

// Register add a new connection
func (r *registryImpl) Register(
	ctx context.Context, id string, claims *auth.Claims, transport Transport,
) error {
	if transport == nil {
		return fmt.Errorf("connection %s has no transport", id)
	}
	request := registerRequest{id: id, claims: claims, transport: transport, result: newResultChan()}
	_, err := r.submit(ctx, request, request.result)
	return err
}

func (r *registryImpl) processRegister(param interface{}) error {
	request, ok := param.(registerRequest)
	if !ok {
		return unexpectedParam("register", param)
	}
	if _, exist := r.connections[request.id]; exist {
		request.result <- requestResult{
			err: fmt.Errorf("%w: %s", ErrDuplicateConnection, request.id),
		}
		return nil
	}
	r.connections[request.id] = &record{
		claims:        request.claims,
		subscriptions: make(map[string]bool),
		lastLiveness:  r.clock.Now(),
		transport:     request.transport,
	}
	log.WithFields(r.LogTags).Debugf("Registered connection %s", request.id)
	r.notifyCount()
	request.result <- requestResult{}
	return nil
}

// -------------------------------------------------------------------------

type unregisterRequest struct {
	id     string
	result chan requestResult
}

// Unregister remove a connection and close its transport
func (r *registryImpl) Unregister(ctx context.Context, id string) error {
	request := unregisterRequest{id: id, result: newResultChan()}
	_, err := r.submit(ctx, request, request.result)
	return err
}

func (r *registryImpl) processUnregister(param interface{}) error {
	request, ok := param.(unregisterRequest)
	if !ok {
		return unexpectedParam("unregister", param)
	}
	rec, exist := r.connections[request.id]
	if exist {
		delete(r.connections, request.id)
		r.closeTransport(request.id, rec)
		log.WithFields(r.LogTags).Debugf("Unregistered connection %s", request.id)
		r.notifyCount()
	}
	request.result <- requestResult{flag: exist}
	return nil
}

// -------------------------------------------------------------------------

type unregisterAllRequest struct {
	result chan requestResult
}

// UnregisterAll remove and close every connection
func (r *registryImpl) UnregisterAll(ctx context.Context) error {
	request := unregisterAllRequest{result: newResultChan()}
	_, err := r.submit(ctx, request, request.result)
	return err
}

func (r *registryImpl) processUnregisterAll(param interface{}) error {
	request, ok := param.(unregisterAllRequest)
	if !ok {
		return unexpectedParam("unregister all", param)
	}
	removed := len(r.connections)
	for id, rec := range r.connections {
		r.closeTransport(id, rec)
	}
	r.connections = make(map[string]*record)
	log.WithFields(r.LogTags).Infof("Unregistered all %d connections", removed)
	r.notifyCount()
	request.result <- requestResult{count: removed}
	return nil
}

// -------------------------------------------------------------------------

type lookupRequest struct {
	id     string
	result chan requestResult
}

// IsLive whether a connection is registered
func (r *registryImpl) IsLive(ctx context.Context, id string) (bool, error) {
	request := lookupRequest{id: id, result: newResultChan()}
	result, err := r.submit(ctx, request, request.result)
	return result.flag, err
}

// Count number of registered connections
func (r *registryImpl) Count(ctx context.Context) (int, error) {
	request := lookupRequest{result: newResultChan()}
	result, err := r.submit(ctx, request, request.result)
	return result.count, err
}

func (r *registryImpl) processLookup(param interface{}) error {
	request, ok := param.(lookupRequest)
	if !ok {
		return unexpectedParam("lookup", param)
	}
	_, exist := r.connections[request.id]
	request.result <- requestResult{flag: exist, count: len(r.connections)}
	return nil
}

// -------------------------------------------------------------------------

type snapshotRequest struct {
	result chan requestResult
}

// Snapshot immutable copy of the current connection set
func (r *registryImpl) Snapshot(ctx context.Context) ([]Entry, error) {
	request := snapshotRequest{result: newResultChan()}
	result, err := r.submit(ctx, request, request.result)
	return result.entries, err
}

// ForEach call f for every entry of one snapshot. Stops at the first error from f.
func (r *registryImpl) ForEach(ctx context.Context, f func(Entry) error) error {
	entries, err := r.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := f(entry); err != nil {
			return err
		}
	}
	return nil
}

func (r *registryImpl) processSnapshot(param interface{}) error {
	request, ok := param.(snapshotRequest)
	if !ok {
		return unexpectedParam("snapshot", param)
	}
	entries := make([]Entry, 0, len(r.connections))
	for id, rec := range r.connections {
		entries = append(entries, rec.toEntry(id))
	}
	request.result <- requestResult{entries: entries, count: len(entries)}
	return nil
}

// -------------------------------------------------------------------------

type subscriptionRequest struct {
	id     string
	topic  string
	add    bool
	result chan requestResult
}

// Subscribe add a topic to a connection's subscription set
func (r *registryImpl) Subscribe(ctx context.Context, id string, topic string) error {
	request := subscriptionRequest{id: id, topic: topic, add: true, result: newResultChan()}
	_, err := r.submit(ctx, request, request.result)
	return err
}

// Unsubscribe remove a topic from a connection's subscription set
func (r *registryImpl) Unsubscribe(ctx context.Context, id string, topic string) error {
	request := subscriptionRequest{id: id, topic: topic, add: false, result: newResultChan()}
	_, err := r.submit(ctx, request, request.result)
	return err
}

func (r *registryImpl) processSubscription(param interface{}) error {
	request, ok := param.(subscriptionRequest)
	if !ok {
		return unexpectedParam("subscription change", param)
	}
	rec, exist := r.connections[request.id]
	if !exist {
		request.result <- requestResult{
			err: fmt.Errorf("%w: %s", ErrConnectionNotFound, request.id),
		}
		return nil
	}
	if request.add {
		rec.subscriptions[request.topic] = true
	} else {
		delete(rec.subscriptions, request.topic)
	}
	request.result <- requestResult{count: len(rec.subscriptions)}
	return nil
}

// -------------------------------------------------------------------------

type touchRequest struct {
	id     string
	result chan requestResult
}

// Touch record a liveness acknowledgment from a connection
func (r *registryImpl) Touch(ctx context.Context, id string) error {
	request := touchRequest{id: id, result: newResultChan()}
	_, err := r.submit(ctx, request, request.result)
	return err
}

func (r *registryImpl) processTouch(param interface{}) error {
	request, ok := param.(touchRequest)
	if !ok {
		return unexpectedParam("touch", param)
	}
	rec, exist := r.connections[request.id]
	if !exist {
		request.result <- requestResult{
			err: fmt.Errorf("%w: %s", ErrConnectionNotFound, request.id),
		}
		return nil
	}
	rec.lastLiveness = r.clock.Now()
	request.result <- requestResult{}
	return nil
}

// -------------------------------------------------------------------------

type evictRequest struct {
	timeout time.Duration
	result  chan requestResult
}

// EvictStale remove and close every connection silent for longer than timeout
func (r *registryImpl) EvictStale(ctx context.Context, timeout time.Duration) ([]Entry, error) {
	request := evictRequest{timeout: timeout, result: newResultChan()}
	result, err := r.submit(ctx, request, request.result)
	return result.entries, err
}

func (r *registryImpl) processEvict(param interface{}) error {
	request, ok := param.(evictRequest)
	if !ok {
		return unexpectedParam("evict", param)
	}
	now := r.clock.Now()
	evicted := []Entry{}
	for id, rec := range r.connections {
		if now.Sub(rec.lastLiveness) > request.timeout {
			evicted = append(evicted, rec.toEntry(id))
			delete(r.connections, id)
			r.closeTransport(id, rec)
		}
	}
	if len(evicted) > 0 {
		log.WithFields(r.LogTags).Infof("Evicted %d stale connections", len(evicted))
		r.notifyCount()
	}
	request.result <- requestResult{entries: evicted}
	return nil
}
