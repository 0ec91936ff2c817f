// Package broker implements the document sync broker: per-document sessions
// that run the CRDT sync handshake, fan messages out to connected clients,
// and replicate them across nodes over a pub/sub fabric.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaypad/relaypad/internal/dedupe"
	"github.com/relaypad/relaypad/internal/protocol"
	"github.com/relaypad/relaypad/internal/pubsub"
	"github.com/relaypad/relaypad/internal/storage"
)

// Permission is the access level required by an inbound doc operation.
type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

// StorageRequest carries everything a StorageProvider needs to pick the store
// backing one document.
type StorageRequest struct {
	// Document is the outward-facing name; DocumentID is the namespaced id
	// used as the storage key.
	Document   string
	DocumentID string
	Context    protocol.Context
	Server     *Server
}

// StorageProvider resolves the storage backend for a document at session
// open. Returning a store implementing EncryptedDocumentStorage opts the
// document into the encrypted handling path.
type StorageProvider func(ctx context.Context, req *StorageRequest) (storage.DocumentStorage, error)

// PermissionRequest describes one inbound doc operation awaiting an access
// decision.
type PermissionRequest struct {
	Document   string
	DocumentID string
	Context    protocol.Context
	Permission Permission
	Message    *protocol.Message
}

// PermissionFunc decides access for one doc operation. A non-nil error
// denies; nil grants. Denials never abort the connection.
type PermissionFunc func(ctx context.Context, req *PermissionRequest) error

// Options configures a Server. GetStorage is the only required field.
type Options struct {
	GetStorage      StorageProvider
	CheckPermission PermissionFunc

	// PubSub is the replication fabric. Defaults to an in-memory fabric,
	// which the server then owns and closes on Dispose.
	PubSub pubsub.PubSub

	// NodeID identifies this node in replication frames. Defaults to a
	// random uuid.
	NodeID string

	RPCHandlers map[string]RPCHandler

	// Default document size thresholds in bytes, used when the document's
	// own metadata leaves them unset. Zero disables the check.
	SizeWarningThreshold int64
	SizeLimit            int64

	// CleanupDelay is the grace window an empty session stays resident
	// before it is unloaded. Defaults to a minute.
	CleanupDelay time.Duration

	// DedupeTTL bounds how long replicated message ids are remembered.
	DedupeTTL time.Duration

	Logger zerolog.Logger
	Bus    *Bus
}

// sessionSlot is the registry entry for one document. Concurrent opens of
// the same document coalesce on ready.
type sessionSlot struct {
	ready   chan struct{}
	session *Session
	err     error
}

// clientEntry pairs a client with its ingress cancel and its direct-delivery
// subscription.
type clientEntry struct {
	client      *Client
	cancel      context.CancelFunc
	unsubscribe pubsub.Unsubscribe
}

// Server is one broker node. It owns the client registry, the session
// registry and the shutdown sequence; sessions and clients never outlive it.
type Server struct {
	opts   Options
	nodeID string
	fabric pubsub.PubSub
	bus    *Bus
	rpc    *RPCRegistry
	logger zerolog.Logger

	cleanupDelay time.Duration
	dedupeTTL    time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionSlot
	clients  map[string]*clientEntry
	closed   bool

	ownsFabric  bool
	wg          sync.WaitGroup
	disposeOnce sync.Once
}

// NewServer builds a broker node from opts.
func NewServer(opts Options) (*Server, error) {
	if opts.GetStorage == nil {
		return nil, errors.New("broker: Options.GetStorage is required")
	}

	s := &Server{
		opts:         opts,
		nodeID:       opts.NodeID,
		fabric:       opts.PubSub,
		bus:          opts.Bus,
		rpc:          NewRPCRegistry(),
		logger:       opts.Logger,
		cleanupDelay: opts.CleanupDelay,
		dedupeTTL:    opts.DedupeTTL,
		sessions:     make(map[string]*sessionSlot),
		clients:      make(map[string]*clientEntry),
	}
	if s.nodeID == "" {
		s.nodeID = uuid.NewString()
	}
	if s.fabric == nil {
		s.fabric = pubsub.NewMemory()
		s.ownsFabric = true
	}
	if s.bus == nil {
		s.bus = NewBus()
	}
	if s.cleanupDelay <= 0 {
		s.cleanupDelay = time.Minute
	}
	if s.dedupeTTL <= 0 {
		s.dedupeTTL = dedupe.DefaultTTL
	}
	s.logger = s.logger.With().Str("node_id", s.nodeID).Logger()
	for method, h := range opts.RPCHandlers {
		s.rpc.Register(method, h)
	}
	return s, nil
}

// NodeID returns this node's replication identity.
func (s *Server) NodeID() string { return s.nodeID }

// RPC returns the rpc method registry. Methods may be registered after the
// server starts.
func (s *Server) RPC() *RPCRegistry { return s.rpc }

// Bus returns the event bus.
func (s *Server) Bus() *Bus { return s.bus }

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// SessionCount returns the number of resident sessions, pending opens
// included.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) sizeWarningThreshold() int64 { return s.opts.SizeWarningThreshold }
func (s *Server) sizeLimit() int64            { return s.opts.SizeLimit }

// serverContext is the message context attached to server-originated
// messages.
func (s *Server) serverContext() protocol.Context {
	return protocol.Context{ClientID: s.nodeID}
}

// GetOrOpenSession returns the resident session for a document, opening it
// when absent. Concurrent opens of the same document coalesce onto a single
// session. When client is non-nil it is attached before returning; a race
// with idle teardown retries against a fresh slot.
func (s *Server) GetOrOpenSession(ctx context.Context, document string, mctx protocol.Context, encrypted bool, client *Client) (*Session, error) {
	key := protocol.NamespacedDocumentID(document, mctx)

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrServerClosed
		}
		slot, ok := s.sessions[key]
		if !ok {
			slot = &sessionSlot{ready: make(chan struct{})}
			s.sessions[key] = slot
			s.mu.Unlock()
			s.openSession(ctx, slot, document, key, mctx, encrypted)
		} else {
			s.mu.Unlock()
		}

		select {
		case <-slot.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if slot.err != nil {
			return nil, slot.err
		}
		sess := slot.session

		if sess.Encrypted() != encrypted {
			return nil, &EncryptionMismatchError{DocumentID: document}
		}
		if client != nil {
			if err := sess.AddClient(client); err != nil {
				if errors.Is(err, ErrSessionDisposed) {
					// Idle teardown won the race; the slot is gone by now.
					continue
				}
				return nil, err
			}
		}
		return sess, nil
	}
}

// openSession fills a fresh slot: resolve storage, build the session,
// subscribe it to the fabric. The slot is removed from the registry on
// failure before ready closes, so waiters observing the error can retry
// cleanly.
func (s *Server) openSession(ctx context.Context, slot *sessionSlot, document, key string, mctx protocol.Context, encrypted bool) {
	fail := func(err error) {
		s.mu.Lock()
		if s.sessions[key] == slot {
			delete(s.sessions, key)
		}
		s.mu.Unlock()
		slot.err = err
		close(slot.ready)
	}

	store, err := s.opts.GetStorage(ctx, &StorageRequest{
		Document:   document,
		DocumentID: key,
		Context:    mctx,
		Server:     s,
	})
	if err != nil {
		fail(fmt.Errorf("broker: resolve storage for %s: %w", key, err))
		return
	}

	sess := &Session{
		documentID:   document,
		namespacedID: key,
		sessionID:    uuid.NewString(),
		encrypted:    encrypted,
		openContext:  mctx,
		server:       s,
		store:        store,
		fabric:       s.fabric,
		bus:          s.bus,
		dedupe:       dedupe.New(s.dedupeTTL),
		logger:       s.logger.With().Str("document_id", key).Logger(),
		cleanupDelay: s.cleanupDelay,
		clients:      make(map[string]*Client),
	}
	if err := sess.Load(ctx); err != nil {
		sess.Dispose(ctx)
		fail(err)
		return
	}

	slot.session = sess
	close(slot.ready)

	s.bus.Emit(DocumentLoadEvent{
		DocumentID: document,
		SessionID:  sess.SessionID(),
		Encrypted:  encrypted,
		Context:    mctx,
	})
}

// CreateClient registers a transport as a connected client and starts its
// ingress loop. ctx aborts the connection when cancelled. An empty clientID
// gets a generated one.
func (s *Server) CreateClient(ctx context.Context, t Transport, clientID string) (*Client, error) {
	if clientID == "" {
		clientID = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	s.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	client := NewClient(clientID, t, s.logger)

	// Each client subscribes its own direct-delivery topic so other nodes
	// can reach it without knowing where it lives.
	unsub, err := s.fabric.Subscribe(readCtx, pubsub.ClientTopic(clientID), func(d pubsub.Delivery) {
		if d.OriginNode == s.nodeID {
			return
		}
		m, derr := protocol.Decode(d.Data, s.rpc)
		if derr != nil {
			s.logger.Warn().Err(derr).Str("client_id", clientID).Msg("Dropping undecodable direct delivery")
			return
		}
		if serr := s.sendToClient(context.Background(), client, m); serr != nil {
			s.logger.Warn().Err(serr).Str("client_id", clientID).Msg("Direct delivery failed")
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("broker: subscribe client topic: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		unsub()
		return nil, ErrServerClosed
	}
	if _, exists := s.clients[clientID]; exists {
		s.mu.Unlock()
		cancel()
		unsub()
		return nil, fmt.Errorf("broker: client id %q already connected", clientID)
	}
	s.clients[clientID] = &clientEntry{client: client, cancel: cancel, unsubscribe: unsub}
	s.mu.Unlock()

	s.bus.Emit(ClientConnectEvent{ClientID: clientID})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			m, rerr := t.Read(readCtx)
			if rerr != nil {
				reason := DisconnectReasonStreamEnded
				if readCtx.Err() != nil {
					reason = DisconnectReasonAbort
				}
				s.DisconnectClient(clientID, reason)
				return
			}
			s.handleInbound(readCtx, client, m)
		}
	}()

	return client, nil
}

// handleInbound processes one message read from a client. Errors are logged
// and answered where the protocol calls for it; the ingress loop never stops
// for a bad message.
func (s *Server) handleInbound(ctx context.Context, c *Client, m *protocol.Message) {
	s.bus.Emit(ClientMessageEvent{
		ClientID:    c.ID(),
		Direction:   DirectionIn,
		MessageType: m.Type,
		DocumentID:  m.Document,
	})

	switch m.Type {
	case protocol.TypeAck:
		if !c.Ack(m.AckID) {
			s.logger.Debug().Str("client_id", c.ID()).Str("ack_id", m.AckID).Msg("Ack without matching in-flight message")
		}
		return
	case protocol.TypePing:
		if err := s.sendToClient(ctx, c, protocol.NewPongMessage(s.serverContext())); err != nil {
			s.logger.Warn().Err(err).Str("client_id", c.ID()).Msg("Pong send failed")
		}
		return
	case protocol.TypePong:
		return
	case protocol.TypeDoc:
		if !s.authorizeDoc(ctx, c, m) {
			return
		}
	case protocol.TypeAwareness, protocol.TypeRPC:
		// No permission gate; awareness is ephemeral and rpc handlers do
		// their own checks.
	default:
		s.logger.Warn().Str("client_id", c.ID()).Str("type", string(m.Type)).Msg("Dropping message of unknown type")
		return
	}

	sess, err := s.GetOrOpenSession(ctx, m.Document, m.Context, m.Encrypted, c)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("client_id", c.ID()).
			Str("document", m.Document).
			Msg("Session open failed for inbound message")
	} else if err := sess.Apply(ctx, m, c, nil); err != nil {
		s.logger.Warn().Err(err).
			Str("client_id", c.ID()).
			Str("message_id", m.ID).
			Msg("Apply failed for inbound message")
	}

	// Routed messages are always acked, even when the apply failed; the
	// client's pipeline must not stall on a server-side error.
	ack := protocol.NewAckMessage(m.Document, m.ID, s.serverContext())
	if err := s.sendToClient(ctx, c, ack); err != nil {
		s.logger.Warn().Err(err).Str("client_id", c.ID()).Msg("Ack send failed")
	}
}

// authorizeDoc gates one inbound doc message. It reports whether the message
// should be routed; on denial the protocol-mandated reply has already been
// sent.
func (s *Server) authorizeDoc(ctx context.Context, c *Client, m *protocol.Message) bool {
	deny := func(reason string) {
		var reply *protocol.Message
		if m.Payload == protocol.DocSyncStep2 {
			// A denied sync-step-2 completes the handshake without the
			// write; the client's own state is already ahead.
			reply = protocol.NewDocMessage(m.Document, protocol.DocSyncDone, nil, s.serverContext(), m.Encrypted)
		} else {
			reply = protocol.NewAuthDeniedMessage(m.Document, reason, s.serverContext(), m.Encrypted)
		}
		if err := s.sendToClient(ctx, c, reply); err != nil {
			s.logger.Warn().Err(err).Str("client_id", c.ID()).Msg("Denial reply send failed")
		}
	}

	var required Permission
	switch m.Payload {
	case protocol.DocAuthMessage:
		// auth-message is server-to-client only.
		deny("auth-message is not accepted from clients")
		return false
	case protocol.DocSyncStep1, protocol.DocSyncDone:
		required = PermissionRead
	case protocol.DocUpdate, protocol.DocSyncStep2:
		required = PermissionWrite
	default:
		deny(fmt.Sprintf("unknown doc payload %q", m.Payload))
		return false
	}

	if s.opts.CheckPermission == nil {
		return true
	}
	err := s.opts.CheckPermission(ctx, &PermissionRequest{
		Document:   m.Document,
		DocumentID: protocol.NamespacedDocumentID(m.Document, m.Context),
		Context:    m.Context,
		Permission: required,
		Message:    m,
	})
	if err != nil {
		deny(err.Error())
		return false
	}
	return true
}

// sendToClient sends one direct message and emits the outbound event.
func (s *Server) sendToClient(ctx context.Context, c *Client, m *protocol.Message) error {
	if err := c.Send(ctx, m); err != nil {
		return err
	}
	s.bus.Emit(ClientMessageEvent{
		ClientID:    c.ID(),
		Direction:   DirectionOut,
		MessageType: m.Type,
		DocumentID:  m.Document,
	})
	return nil
}

// SendToClient delivers a message to a client wherever it is connected:
// directly when local, over the client's direct-delivery topic otherwise.
func (s *Server) SendToClient(ctx context.Context, clientID string, m *protocol.Message) error {
	s.mu.Lock()
	entry, ok := s.clients[clientID]
	s.mu.Unlock()
	if ok {
		return s.sendToClient(ctx, entry.client, m)
	}
	return s.fabric.Publish(ctx, pubsub.ClientTopic(clientID), m.Encoded(), s.nodeID)
}

// DisconnectClient removes a client, detaches it from every session and
// destroys it. Safe to call for an already-removed id.
func (s *Server) DisconnectClient(clientID, reason string) {
	s.mu.Lock()
	entry, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, clientID)
	sessions := s.readySessionsLocked()
	s.mu.Unlock()

	entry.cancel()
	entry.unsubscribe()
	for _, sess := range sessions {
		sess.RemoveClient(clientID)
	}
	entry.client.Destroy()

	s.bus.Emit(ClientDisconnectEvent{ClientID: clientID, Reason: reason})
}

// readySessionsLocked snapshots sessions whose open has completed. Callers
// hold s.mu.
func (s *Server) readySessionsLocked() []*Session {
	out := make([]*Session, 0, len(s.sessions))
	for _, slot := range s.sessions {
		select {
		case <-slot.ready:
			if slot.session != nil {
				out = append(out, slot.session)
			}
		default:
		}
	}
	return out
}

// onSessionIdle runs when a session's cleanup grace expires. A client that
// reconnected during the grace window keeps the session alive.
func (s *Server) onSessionIdle(sess *Session) {
	key := sess.NamespacedDocumentID()

	s.mu.Lock()
	slot, ok := s.sessions[key]
	if !ok || slot.session != sess {
		s.mu.Unlock()
		return
	}
	// Disposal and the emptiness check are one atomic step on the session,
	// so an open that already resolved this slot cannot attach to a session
	// being torn down; it sees ErrSessionDisposed and retries.
	if !sess.DisposeIfEmpty() {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	s.bus.Emit(DocumentUnloadEvent{
		DocumentID: sess.DocumentID(),
		SessionID:  sess.SessionID(),
		Reason:     UnloadReasonIdle,
	})
}

// DeleteDocument removes a document from storage, tearing down its resident
// session first when one exists.
func (s *Server) DeleteDocument(ctx context.Context, document string, mctx protocol.Context) error {
	key := protocol.NamespacedDocumentID(document, mctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	slot, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()

	var (
		store     storage.DocumentStorage
		encrypted bool
	)
	if ok {
		select {
		case <-slot.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if slot.err == nil && slot.session != nil {
			sess := slot.session
			store = sess.Storage()
			encrypted = sess.Encrypted()
			s.bus.Emit(DocumentUnloadEvent{
				DocumentID: sess.DocumentID(),
				SessionID:  sess.SessionID(),
				Reason:     UnloadReasonDispose,
			})
			if err := sess.Dispose(ctx); err != nil {
				s.logger.Warn().Err(err).Str("document_id", key).Msg("Session dispose before delete failed")
			}
		}
	}
	if store == nil {
		var err error
		store, err = s.opts.GetStorage(ctx, &StorageRequest{
			Document:   document,
			DocumentID: key,
			Context:    mctx,
			Server:     s,
		})
		if err != nil {
			return fmt.Errorf("broker: resolve storage for delete of %s: %w", key, err)
		}
	}

	if err := store.DeleteDocument(ctx, key); err != nil {
		return fmt.Errorf("broker: delete document %s: %w", key, err)
	}
	s.bus.Emit(DocumentDeleteEvent{DocumentID: document, Encrypted: encrypted})
	return nil
}

// Dispose shuts the node down: refuse new work, disconnect clients, drain
// ingress loops, unload sessions, then close what the server owns.
// Idempotent.
func (s *Server) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		clientIDs := make([]string, 0, len(s.clients))
		for id := range s.clients {
			clientIDs = append(clientIDs, id)
		}
		slots := make([]*sessionSlot, 0, len(s.sessions))
		for _, slot := range s.sessions {
			slots = append(slots, slot)
		}
		active := len(s.readySessionsLocked())
		s.mu.Unlock()

		s.bus.Emit(BeforeServerShutdownEvent{
			ActiveSessions:  active,
			PendingSessions: len(slots) - active,
		})

		for _, id := range clientIDs {
			s.DisconnectClient(id, DisconnectReasonDispose)
		}
		s.wg.Wait()

		for _, slot := range slots {
			<-slot.ready
			if slot.err != nil || slot.session == nil {
				continue
			}
			sess := slot.session
			s.bus.Emit(DocumentUnloadEvent{
				DocumentID: sess.DocumentID(),
				SessionID:  sess.SessionID(),
				Reason:     UnloadReasonDispose,
			})
			if err := sess.Dispose(ctx); err != nil {
				s.logger.Warn().Err(err).Str("document_id", sess.NamespacedDocumentID()).Msg("Session dispose failed during shutdown")
			}
		}
		s.mu.Lock()
		s.sessions = make(map[string]*sessionSlot)
		s.mu.Unlock()

		if s.ownsFabric {
			if err := s.fabric.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("Fabric close failed during shutdown")
			}
		}

		s.bus.Emit(AfterServerShutdownEvent{NodeID: s.nodeID})
		s.bus.Close()
	})
	return nil
}
