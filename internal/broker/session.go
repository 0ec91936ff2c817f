package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypad/relaypad/internal/dedupe"
	"github.com/relaypad/relaypad/internal/protocol"
	"github.com/relaypad/relaypad/internal/pubsub"
	"github.com/relaypad/relaypad/internal/storage"
)

// ReplicationMeta marks an Apply invoked from the pub/sub path. Its presence
// suppresses re-publication of the message.
type ReplicationMeta struct {
	SourceNodeID string
}

// Session is the per-document hub on this node: it runs the sync state
// machine, fans messages out to attached clients, replicates them across
// nodes, and accounts for document size. At most one session exists per
// namespaced document id per node; the Server enforces that.
type Session struct {
	documentID   string
	namespacedID string
	sessionID    string
	encrypted    bool
	openContext  protocol.Context

	// server is a non-owning back-reference used for node identity and the
	// rpc registry; the Server owns the session.
	server *Server
	store  storage.DocumentStorage
	fabric pubsub.PubSub
	bus    *Bus
	dedupe *dedupe.Deduper
	logger zerolog.Logger

	cleanupDelay time.Duration

	mu           sync.Mutex
	clients      map[string]*Client
	cleanupTimer *time.Timer
	unsubscribe  pubsub.Unsubscribe
	loaded       bool
	disposed     bool

	sizeMu       sync.Mutex
	sizeWarned   bool
	sizeExceeded bool
}

// DocumentID returns the outward-facing document name.
func (s *Session) DocumentID() string { return s.documentID }

// NamespacedDocumentID returns the storage- and topic-facing id.
func (s *Session) NamespacedDocumentID() string { return s.namespacedID }

// SessionID returns the opaque session id.
func (s *Session) SessionID() string { return s.sessionID }

// Encrypted reports the session's immutable encrypted flag.
func (s *Session) Encrypted() bool { return s.encrypted }

// Storage returns the session's storage handle.
func (s *Session) Storage() storage.DocumentStorage { return s.store }

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ClientIDs returns the ids of attached clients.
func (s *Session) ClientIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	return ids
}

// Load subscribes the session to its replication topic. Idempotent; must be
// called before Apply.
func (s *Session) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrSessionDisposed
	}
	if s.loaded {
		return nil
	}
	unsub, err := s.fabric.Subscribe(ctx, pubsub.DocumentTopic(s.namespacedID), s.onReplicated)
	if err != nil {
		return fmt.Errorf("broker: subscribe session %s: %w", s.namespacedID, err)
	}
	s.unsubscribe = unsub
	s.loaded = true
	return nil
}

// onReplicated handles one cross-node delivery. Deliveries for this
// subscription arrive serially, so the session reasons about one replicated
// message at a time.
func (s *Session) onReplicated(d pubsub.Delivery) {
	if d.OriginNode == s.server.NodeID() {
		// Self-echo from our own publish; the local fan-out already happened.
		return
	}
	m, err := protocol.Decode(d.Data, s.server.RPC())
	if err != nil {
		// Replication-path decode errors are logged and dropped, never fatal.
		s.logger.Warn().Err(err).Str("source_node", d.OriginNode).Msg("Dropping undecodable replicated message")
		return
	}
	if m.Type == protocol.TypeRPC {
		// RPC stays node-local: request/response coupling to a concrete
		// client cannot survive a node hop.
		s.logger.Debug().Str("method", m.Method).Msg("Ignoring replicated rpc message")
		return
	}
	if !s.dedupe.ShouldAccept(s.namespacedID, m.ID) {
		s.bus.Emit(DocumentMessageEvent{
			MessageID:    m.ID,
			MessageType:  m.Type,
			PayloadType:  m.Payload,
			Source:       SourceReplication,
			SourceNodeID: d.OriginNode,
			Deduped:      true,
		})
		return
	}
	if err := s.Apply(context.Background(), m, nil, &ReplicationMeta{SourceNodeID: d.OriginNode}); err != nil {
		s.logger.Error().Err(err).
			Str("message_id", m.ID).
			Str("source_node", d.OriginNode).
			Msg("Failed to apply replicated message")
	}
}

// AddClient attaches a client and cancels any pending idle cleanup.
func (s *Session) AddClient(c *Client) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	if _, ok := s.clients[c.ID()]; ok {
		s.mu.Unlock()
		return nil
	}
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	s.clients[c.ID()] = c
	s.mu.Unlock()

	s.bus.Emit(DocumentClientConnectEvent{
		ClientID:   c.ID(),
		DocumentID: s.documentID,
		SessionID:  s.sessionID,
	})
	return nil
}

// RemoveClient detaches a client by id. When the set empties, an idle
// cleanup is scheduled with the configured grace window.
func (s *Session) RemoveClient(clientID string) {
	s.mu.Lock()
	_, ok := s.clients[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, clientID)
	if len(s.clients) == 0 && !s.disposed {
		s.scheduleCleanupLocked()
	}
	s.mu.Unlock()

	s.bus.Emit(DocumentClientDisconnectEvent{
		ClientID:   clientID,
		DocumentID: s.documentID,
		SessionID:  s.sessionID,
	})
}

func (s *Session) scheduleCleanupLocked() {
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
	}
	s.cleanupTimer = time.AfterFunc(s.cleanupDelay, func() {
		// The server re-checks emptiness under its own lock before disposing,
		// which closes the race with a reconnect firing alongside the timer.
		s.server.onSessionIdle(s)
	})
}

// senderID is the fan-out exclusion key for m: the registered client id for
// a local sender, the self-reported context id on the replication path. The
// two differ when the transport connects without a client id and gets a
// generated one.
func senderID(client *Client, m *protocol.Message) string {
	if client != nil {
		return client.ID()
	}
	return m.Context.ClientID
}

// Broadcast sends m to every attached client except excludeClientID.
// Per-client send failures are logged and do not abort the fan-out.
func (s *Session) Broadcast(ctx context.Context, m *protocol.Message, excludeClientID string) {
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.clients))
	for id, c := range s.clients {
		if id == excludeClientID {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.Send(ctx, m); err != nil {
			s.logger.Warn().Err(err).
				Str("client_id", c.ID()).
				Str("message_id", m.ID).
				Msg("Broadcast send failed")
			continue
		}
		s.bus.Emit(ClientMessageEvent{
			ClientID:    c.ID(),
			Direction:   DirectionOut,
			MessageType: m.Type,
			DocumentID:  s.documentID,
		})
	}
}

// Write ingests an incremental update through storage, then emits
// document-write and refreshes the size accounting.
func (s *Session) Write(ctx context.Context, update []byte, mctx protocol.Context) error {
	if err := s.store.HandleUpdate(ctx, s.namespacedID, update); err != nil {
		return fmt.Errorf("broker: write document %s: %w", s.namespacedID, err)
	}
	s.bus.Emit(DocumentWriteEvent{
		DocumentID:           s.documentID,
		NamespacedDocumentID: s.namespacedID,
		Encrypted:            s.encrypted,
		Context:              mctx,
	})
	s.checkSize(ctx)
	return nil
}

// publish replicates m on the document topic unless the message itself
// arrived via replication. Publish failures are logged; local state is
// already consistent and the fabric retries are its own concern.
func (s *Session) publish(ctx context.Context, m *protocol.Message, repl *ReplicationMeta) {
	if repl != nil {
		return
	}
	if err := s.fabric.Publish(ctx, pubsub.DocumentTopic(s.namespacedID), m.Encoded(), s.server.NodeID()); err != nil {
		s.logger.Error().Err(err).Str("message_id", m.ID).Msg("Publish to fabric failed")
	}
}

// Apply runs the sync state machine for one message. client is nil on the
// replication path; repl is non-nil iff the message arrived via pub/sub.
func (s *Session) Apply(ctx context.Context, m *protocol.Message, client *Client, repl *ReplicationMeta) error {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return ErrSessionDisposed
	}

	if m.Encrypted != s.encrypted {
		return &EncryptionMismatchError{DocumentID: s.documentID}
	}

	ev := DocumentMessageEvent{
		MessageID:   m.ID,
		MessageType: m.Type,
		PayloadType: m.Payload,
		Source:      SourceClient,
	}
	if repl != nil {
		ev.Source = SourceReplication
		ev.SourceNodeID = repl.SourceNodeID
	}
	s.bus.Emit(ev)

	switch m.Type {
	case protocol.TypeDoc:
		return s.applyDoc(ctx, m, client, repl)
	case protocol.TypeRPC:
		return s.applyRPC(ctx, m, client)
	case protocol.TypeAck, protocol.TypePing, protocol.TypePong:
		// Handled at ingress; nothing for the session to do.
		s.logger.Debug().Str("type", string(m.Type)).Msg("Ignoring non-routable message in session")
		return nil
	default:
		// Awareness and any future non-doc type: fan out and replicate, no
		// storage mutation.
		s.Broadcast(ctx, m, senderID(client, m))
		s.publish(ctx, m, repl)
		return nil
	}
}

func (s *Session) applyDoc(ctx context.Context, m *protocol.Message, client *Client, repl *ReplicationMeta) error {
	switch m.Payload {
	case protocol.DocSyncStep1:
		return s.applySyncStep1(ctx, m, client)
	case protocol.DocUpdate:
		return s.applyUpdate(ctx, m, client, repl)
	case protocol.DocSyncStep2:
		return s.applySyncStep2(ctx, m, client, repl)
	case protocol.DocSyncDone, protocol.DocAuthMessage:
		s.logger.Debug().
			Str("payload", string(m.Payload)).
			Str("client_id", m.Context.ClientID).
			Msg("Ignoring doc control payload")
		return nil
	default:
		return fmt.Errorf("broker: unknown doc payload %q", m.Payload)
	}
}

// applySyncStep1 answers a state-vector announcement with the diff the
// remote lacks, then with this side's own state vector.
func (s *Session) applySyncStep1(ctx context.Context, m *protocol.Message, client *Client) error {
	doc, err := s.store.HandleSyncStep1(ctx, s.namespacedID, m.Body)
	if err != nil {
		return fmt.Errorf("broker: sync-step-1 for %s: %w", s.namespacedID, err)
	}
	if client == nil {
		// Replicated sync-step-1 has no reply path on this node.
		s.logger.Debug().Msg("Ignoring sync-step-1 without a requesting client")
		return nil
	}

	step2 := protocol.NewDocMessage(s.documentID, protocol.DocSyncStep2, doc.Content.Update, s.server.serverContext(), s.encrypted)
	if err := s.sendToClient(ctx, client, step2); err != nil {
		return err
	}
	step1 := protocol.NewDocMessage(s.documentID, protocol.DocSyncStep1, doc.Content.StateVector, s.server.serverContext(), s.encrypted)
	return s.sendToClient(ctx, client, step1)
}

// applyUpdate ingests an incremental update and fans it out. With an
// encrypted-aware store, the broadcast carries what the store returned, not
// the raw client payload.
func (s *Session) applyUpdate(ctx context.Context, m *protocol.Message, client *Client, repl *ReplicationMeta) error {
	if es, ok := s.store.(storage.EncryptedDocumentStorage); ok {
		stored, err := es.HandleEncryptedUpdate(ctx, s.namespacedID, m.Body)
		if err != nil {
			return fmt.Errorf("broker: encrypted update for %s: %w", s.namespacedID, err)
		}
		s.bus.Emit(DocumentWriteEvent{
			DocumentID:           s.documentID,
			NamespacedDocumentID: s.namespacedID,
			Encrypted:            s.encrypted,
			Context:              m.Context,
		})
		s.checkSize(ctx)
		if stored == nil {
			return nil
		}
		out := protocol.NewDocMessage(s.documentID, protocol.DocUpdate, stored, m.Context, s.encrypted)
		s.Broadcast(ctx, out, senderID(client, m))
		s.publish(ctx, out, repl)
		return nil
	}

	if err := s.Write(ctx, m.Body, m.Context); err != nil {
		return err
	}
	s.Broadcast(ctx, m, senderID(client, m))
	s.publish(ctx, m, repl)
	return nil
}

// applySyncStep2 ingests a remote diff. In the plain-storage case broadcast,
// storage ingestion and publish run concurrently; CRDT merges are
// commutative, so observers converge regardless of interleaving. The
// handshake finishes with sync-done to the requesting client.
func (s *Session) applySyncStep2(ctx context.Context, m *protocol.Message, client *Client, repl *ReplicationMeta) error {
	if es, ok := s.store.(storage.EncryptedDocumentStorage); ok {
		storedUpdates, err := es.HandleEncryptedSyncStep2(ctx, s.namespacedID, m.Body)
		if err != nil {
			return fmt.Errorf("broker: encrypted sync-step-2 for %s: %w", s.namespacedID, err)
		}
		s.checkSize(ctx)
		for _, stored := range storedUpdates {
			out := protocol.NewDocMessage(s.documentID, protocol.DocUpdate, stored, m.Context, s.encrypted)
			s.Broadcast(ctx, out, senderID(client, m))
			s.publish(ctx, out, repl)
		}
		return s.finishSyncStep2(ctx, client)
	}

	var wg sync.WaitGroup
	var storeErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.Broadcast(ctx, m, senderID(client, m))
	}()
	go func() {
		defer wg.Done()
		storeErr = s.store.HandleSyncStep2(ctx, s.namespacedID, m.Body)
	}()
	go func() {
		defer wg.Done()
		s.publish(ctx, m, repl)
	}()
	wg.Wait()

	if storeErr != nil {
		return fmt.Errorf("broker: sync-step-2 for %s: %w", s.namespacedID, storeErr)
	}
	s.checkSize(ctx)
	return s.finishSyncStep2(ctx, client)
}

func (s *Session) finishSyncStep2(ctx context.Context, client *Client) error {
	if client == nil {
		return nil
	}
	done := protocol.NewDocMessage(s.documentID, protocol.DocSyncDone, nil, s.server.serverContext(), s.encrypted)
	return s.sendToClient(ctx, client, done)
}

func (s *Session) applyRPC(ctx context.Context, m *protocol.Message, client *Client) error {
	switch m.Kind {
	case protocol.RPCRequest:
		return s.applyRPCRequest(ctx, m, client)
	case protocol.RPCStream:
		return s.applyRPCStream(ctx, m, client)
	case protocol.RPCResponse:
		// Responses are for the initiating peer only; nothing to route here.
		s.logger.Debug().Str("method", m.Method).Msg("Ignoring inbound rpc response")
		return nil
	default:
		return fmt.Errorf("broker: unknown rpc kind %q", m.Kind)
	}
}

func (s *Session) applyRPCRequest(ctx context.Context, m *protocol.Message, client *Client) error {
	if client == nil {
		s.logger.Debug().Str("method", m.Method).Msg("Ignoring rpc request without a requesting client")
		return nil
	}

	respond := func(body []byte) error {
		resp := protocol.NewRPCMessage(s.documentID, m.Method, protocol.RPCResponse, m.ID, body, s.server.serverContext(), s.encrypted)
		return s.sendToClient(ctx, client, resp)
	}

	h, ok := s.server.RPC().Lookup(m.Method)
	if !ok || h.Request == nil {
		return respond(rpcErrorBody(rpcCodeMethodNotAllowed, fmt.Sprintf("unknown rpc method %q", m.Method)))
	}

	rc := &RPCContext{
		Server:         s.server,
		Session:        s,
		DocumentID:     s.documentID,
		UserID:         m.Context.UserID,
		ClientID:       m.Context.ClientID,
		MessageContext: m.Context,
	}
	res, err := invokeRequest(ctx, h, rc, m.Body)
	if err != nil {
		s.logger.Warn().Err(err).Str("method", m.Method).Msg("RPC handler failed")
		return respond(rpcErrorBody(rpcCodeInternal, err.Error()))
	}
	if res == nil {
		res = &RPCResult{}
	}
	if res.Stream != nil {
		for chunk := range res.Stream {
			out := protocol.NewRPCMessage(s.documentID, m.Method, protocol.RPCStream, m.ID, chunk, s.server.serverContext(), s.encrypted)
			if err := s.sendToClient(ctx, client, out); err != nil {
				return err
			}
		}
	}
	return respond(res.Response)
}

func (s *Session) applyRPCStream(ctx context.Context, m *protocol.Message, client *Client) error {
	h, ok := s.server.RPC().Lookup(m.Method)
	if !ok || h.Stream == nil {
		s.logger.Debug().Str("method", m.Method).Msg("No stream handler registered")
		return nil
	}
	if client == nil {
		return nil
	}

	rc := &RPCContext{
		Server:         s.server,
		Session:        s,
		DocumentID:     s.documentID,
		UserID:         m.Context.UserID,
		ClientID:       m.Context.ClientID,
		MessageContext: m.Context,
	}
	reply, err := invokeStream(ctx, h, rc, m.Body)
	if err != nil {
		s.logger.Warn().Err(err).Str("method", m.Method).Msg("RPC stream handler failed")
		resp := protocol.NewRPCMessage(s.documentID, m.Method, protocol.RPCResponse, m.OriginalRequestID, rpcErrorBody(rpcCodeInternal, err.Error()), s.server.serverContext(), s.encrypted)
		return s.sendToClient(ctx, client, resp)
	}
	if reply == nil {
		return nil
	}
	resp := protocol.NewRPCMessage(s.documentID, m.Method, protocol.RPCResponse, m.OriginalRequestID, reply, s.server.serverContext(), s.encrypted)
	return s.sendToClient(ctx, client, resp)
}

// sendToClient sends one direct message and emits the outbound event.
func (s *Session) sendToClient(ctx context.Context, c *Client, m *protocol.Message) error {
	if err := c.Send(ctx, m); err != nil {
		s.logger.Warn().Err(err).
			Str("client_id", c.ID()).
			Str("message_id", m.ID).
			Msg("Direct send failed")
		return err
	}
	s.bus.Emit(ClientMessageEvent{
		ClientID:    c.ID(),
		Direction:   DirectionOut,
		MessageType: m.Type,
		DocumentID:  s.documentID,
	})
	return nil
}

// checkSize refreshes document size against the warning threshold and hard
// limit. Events fire once per upward crossing; the latch resets when the
// size falls back under.
func (s *Session) checkSize(ctx context.Context) {
	meta, err := s.store.GetDocumentMetadata(ctx, s.namespacedID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Size check failed")
		return
	}
	warnAt := meta.SizeWarningThreshold
	if warnAt == 0 {
		warnAt = s.server.sizeWarningThreshold()
	}
	limit := meta.SizeLimit
	if limit == 0 {
		limit = s.server.sizeLimit()
	}

	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()

	if warnAt > 0 {
		switch {
		case meta.SizeBytes >= warnAt && !s.sizeWarned:
			s.sizeWarned = true
			s.bus.Emit(DocumentSizeWarningEvent{
				DocumentID: s.documentID,
				SizeBytes:  meta.SizeBytes,
				Threshold:  warnAt,
			})
		case meta.SizeBytes < warnAt:
			s.sizeWarned = false
		}
	}
	if limit > 0 {
		switch {
		case meta.SizeBytes > limit && !s.sizeExceeded:
			s.sizeExceeded = true
			s.bus.Emit(DocumentSizeLimitExceededEvent{
				DocumentID: s.documentID,
				SizeBytes:  meta.SizeBytes,
				Limit:      limit,
			})
		case meta.SizeBytes <= limit:
			s.sizeExceeded = false
		}
	}
}

// Dispose cancels pending cleanup, unsubscribes from the fabric and stops
// the dedupe pruning loop. Idempotent; once disposed no further messages are
// applied.
func (s *Session) Dispose(context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	unsub := s.teardownLocked()
	s.mu.Unlock()

	s.closeResources(unsub)
	return nil
}

// DisposeIfEmpty disposes the session only when no clients are attached. The
// emptiness check and the disposed flag flip under one lock hold, so an open
// that already resolved this session either attaches before disposal or
// observes ErrSessionDisposed and retries. Reports whether the session is
// disposed on return.
func (s *Session) DisposeIfEmpty() bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return true
	}
	if len(s.clients) > 0 {
		s.mu.Unlock()
		return false
	}
	unsub := s.teardownLocked()
	s.mu.Unlock()

	s.closeResources(unsub)
	return true
}

// teardownLocked flips the disposed flag and detaches the session's
// resources. Callers hold s.mu and pass the returned unsubscribe to
// closeResources outside the lock.
func (s *Session) teardownLocked() pubsub.Unsubscribe {
	s.disposed = true
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.clients = make(map[string]*Client)
	return unsub
}

func (s *Session) closeResources(unsub pubsub.Unsubscribe) {
	if unsub != nil {
		unsub()
	}
	s.dedupe.Close()
}
