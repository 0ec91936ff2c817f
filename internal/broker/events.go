package broker

import (
	"sync"

	"github.com/relaypad/relaypad/internal/protocol"
)

// Event names, used as bus subscription keys.
const (
	EventClientConnect             = "client-connect"
	EventClientDisconnect          = "client-disconnect"
	EventDocumentLoad              = "document-load"
	EventDocumentUnload            = "document-unload"
	EventDocumentClientConnect     = "document-client-connect"
	EventDocumentClientDisconnect  = "document-client-disconnect"
	EventClientMessage             = "client-message"
	EventDocumentMessage           = "document-message"
	EventDocumentWrite             = "document-write"
	EventDocumentSizeWarning       = "document-size-warning"
	EventDocumentSizeLimitExceeded = "document-size-limit-exceeded"
	EventDocumentDelete            = "document-delete"
	EventBeforeServerShutdown      = "before-server-shutdown"
	EventAfterServerShutdown       = "after-server-shutdown"
)

// Client disconnect reasons.
const (
	DisconnectReasonAbort       = "abort"
	DisconnectReasonStreamEnded = "stream-ended"
	DisconnectReasonManual      = "manual"
	DisconnectReasonDispose     = "dispose"
)

// Document unload reasons.
const (
	UnloadReasonIdle    = "idle"
	UnloadReasonDispose = "dispose"
)

// Message directions and sources.
const (
	DirectionIn  = "in"
	DirectionOut = "out"

	SourceClient      = "client"
	SourceReplication = "replication"
)

// Event is the sum type carried by the bus; every payload struct names its
// own variant.
type Event interface {
	EventName() string
}

type ClientConnectEvent struct {
	ClientID string
}

func (ClientConnectEvent) EventName() string { return EventClientConnect }

type ClientDisconnectEvent struct {
	ClientID string
	Reason   string
}

func (ClientDisconnectEvent) EventName() string { return EventClientDisconnect }

type DocumentLoadEvent struct {
	DocumentID string
	SessionID  string
	Encrypted  bool
	Context    protocol.Context
}

func (DocumentLoadEvent) EventName() string { return EventDocumentLoad }

type DocumentUnloadEvent struct {
	DocumentID string
	SessionID  string
	Reason     string
}

func (DocumentUnloadEvent) EventName() string { return EventDocumentUnload }

type DocumentClientConnectEvent struct {
	ClientID   string
	DocumentID string
	SessionID  string
}

func (DocumentClientConnectEvent) EventName() string { return EventDocumentClientConnect }

type DocumentClientDisconnectEvent struct {
	ClientID   string
	DocumentID string
	SessionID  string
}

func (DocumentClientDisconnectEvent) EventName() string { return EventDocumentClientDisconnect }

type ClientMessageEvent struct {
	ClientID    string
	Direction   string
	MessageType protocol.Type
	DocumentID  string
}

func (ClientMessageEvent) EventName() string { return EventClientMessage }

type DocumentMessageEvent struct {
	MessageID    string
	MessageType  protocol.Type
	PayloadType  protocol.DocPayloadType
	Source       string
	SourceNodeID string
	Deduped      bool
}

func (DocumentMessageEvent) EventName() string { return EventDocumentMessage }

type DocumentWriteEvent struct {
	DocumentID           string
	NamespacedDocumentID string
	Encrypted            bool
	Context              protocol.Context
}

func (DocumentWriteEvent) EventName() string { return EventDocumentWrite }

type DocumentSizeWarningEvent struct {
	DocumentID string
	SizeBytes  int64
	Threshold  int64
}

func (DocumentSizeWarningEvent) EventName() string { return EventDocumentSizeWarning }

type DocumentSizeLimitExceededEvent struct {
	DocumentID string
	SizeBytes  int64
	Limit      int64
}

func (DocumentSizeLimitExceededEvent) EventName() string { return EventDocumentSizeLimitExceeded }

type DocumentDeleteEvent struct {
	DocumentID string
	Encrypted  bool
}

func (DocumentDeleteEvent) EventName() string { return EventDocumentDelete }

type BeforeServerShutdownEvent struct {
	ActiveSessions  int
	PendingSessions int
}

func (BeforeServerShutdownEvent) EventName() string { return EventBeforeServerShutdown }

type AfterServerShutdownEvent struct {
	NodeID string
}

func (AfterServerShutdownEvent) EventName() string { return EventAfterServerShutdown }

// subscribeAllKey is the bus key for listeners that want every event.
const subscribeAllKey = "*"

// Bus is the typed observer used by metrics and audit collaborators.
// Emission is synchronous; listeners must not block.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string]map[int64]func(Event)
	nextID    int64
	closed    bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string]map[int64]func(Event))}
}

// Subscribe registers fn for one event name and returns its cancel func.
func (b *Bus) Subscribe(name string, fn func(Event)) (cancel func()) {
	return b.subscribe(name, fn)
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn func(Event)) (cancel func()) {
	return b.subscribe(subscribeAllKey, fn)
}

func (b *Bus) subscribe(key string, fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	if b.listeners[key] == nil {
		b.listeners[key] = make(map[int64]func(Event))
	}
	b.listeners[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.listeners[key]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(b.listeners, key)
				}
			}
		})
	}
}

// Emit dispatches ev to every listener of its name, then to SubscribeAll
// listeners.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.listeners[ev.EventName()])+len(b.listeners[subscribeAllKey]))
	for _, fn := range b.listeners[ev.EventName()] {
		fns = append(fns, fn)
	}
	for _, fn := range b.listeners[subscribeAllKey] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Close drains all listeners; later Subscribe calls become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.listeners = make(map[string]map[int64]func(Event))
}
