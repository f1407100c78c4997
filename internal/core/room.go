package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQueueSize      = 64
	DefaultChatHistory    = 200
	DefaultTokenRetention = time.Minute
)

type RoomOptions struct {
	// MaxPeers caps active plus parked peers; 0 means no limit.
	MaxPeers           int
	MaxSpotlights      int
	ActivateOnHostJoin bool
	// TokenRetention is how long a departed peer's token still counts
	// as a resumption token.
	TokenRetention     time.Duration
	ChatHistory        int
	QueueSize          int
	Call               CallPolicy
}

type RoomConfig struct {
	ID           domain.RoomID
	Router       Router
	Policy       *Policy
	Options      RoomOptions
	Backpressure BackpressurePolicy
	// OnEmpty runs in its own goroutine after the last peer left.
	OnEmpty      func(*Room)
	// OnChange runs in its own goroutine after a peer joined or left.
	OnChange     func(*Room)
}

type task struct {
	ctx  context.Context
	fn   func() error
	done chan error
}

type issuedToken struct {
	token   string
	expires time.Time // zero while the peer is present
	// left is the identity of a departed peer, kept for resumption.
	left    *identity
}

type producerEntry struct {
	owner *Peer
	p     Producer
}

// Room serializes every mutation through one goroutine. Readers use the
// snapshot methods, which take mu and never enter the queue.
type Room struct {
	id           domain.RoomID
	router       Router
	policy       *Policy
	opts         RoomOptions
	backpressure BackpressurePolicy
	onEmpty      func(*Room)
	onChange     func(*Room)
	createdAt    time.Time
	now          func() time.Time

	tasks    chan task
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	peers      map[domain.PeerID]*Peer
	order      []domain.PeerID
	lobby      map[domain.PeerID]*Peer
	lobbyOrder []domain.PeerID
	locked     bool
	spot       *spotlights
	chat       []domain.ChatMessage
	files      []domain.FileShare
	tokens     map[domain.PeerID]issuedToken

	// queue only
	producers map[string]*producerEntry

	closed  atomic.Bool
	holds   atomic.Int32
	members atomic.Int32
}

func NewRoom(cfg RoomConfig) *Room {
	opts := cfg.Options
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.ChatHistory <= 0 {
		opts.ChatHistory = DefaultChatHistory
	}
	if opts.Call.Timeout <= 0 {
		opts.Call = DefaultCallPolicy()
	}
	policy := cfg.Policy
	if policy == nil {
		policy = NewPolicy(DefaultPolicyConfig())
	}
	bp := cfg.Backpressure
	if bp == nil {
		bp = DropPolicy{}
	}
	r := &Room{
		id:           cfg.ID,
		router:       cfg.Router,
		policy:       policy,
		opts:         opts,
		backpressure: bp,
		onEmpty:      cfg.OnEmpty,
		onChange:     cfg.OnChange,
		createdAt:    time.Now(),
		now:          time.Now,
		tasks:        make(chan task, opts.QueueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		peers:        make(map[domain.PeerID]*Peer),
		lobby:        make(map[domain.PeerID]*Peer),
		spot:         newSpotlights(opts.MaxSpotlights),
		tokens:       make(map[domain.PeerID]issuedToken),
		producers:    make(map[string]*producerEntry),
	}
	go r.run()
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Msg("room created")
	return r
}

func (r *Room) ID() domain.RoomID    { return r.id }
func (r *Room) Router() Router       { return r.router }
func (r *Room) CreatedAt() time.Time { return r.createdAt }
func (r *Room) IsClosed() bool       { return r.closed.Load() }

func (r *Room) run() {
	defer close(r.done)
	for {
		select {
		case t := <-r.tasks:
			r.exec(t)
		case <-r.quit:
			r.drain()
			return
		}
	}
}

func (r *Room) exec(t task) {
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "core.room").Str("room", string(r.id)).Interface("panic", rec).Msg("room task panicked")
			t.done <- fmt.Errorf("room task: %v", rec)
		}
	}()
	t.done <- t.fn()
}

func (r *Room) drain() {
	for {
		select {
		case t := <-r.tasks:
			t.done <- domain.ErrRoomClosed
		default:
			return
		}
	}
}

// Do runs fn on the room queue and waits for it. Must not be called from
// inside another task of the same room.
func (r *Room) Do(ctx context.Context, fn func() error) error {
	if r.closed.Load() {
		return domain.ErrRoomClosed
	}
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case r.tasks <- t:
	case <-r.quit:
		return domain.ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-r.done:
		select {
		case err := <-t.done:
			return err
		default:
			return domain.ErrRoomClosed
		}
	}
}

// Hold marks an in-flight join; a held room is never destroyed.
func (r *Room) Hold()   { r.holds.Add(1) }
func (r *Room) Unhold() { r.holds.Add(-1) }

// Idle reports whether nothing keeps the room alive.
func (r *Room) Idle() bool { return r.holds.Load() == 0 && r.members.Load() == 0 }

// Close stops the queue and releases the router. Pending and later tasks
// fail with ErrRoomClosed.
func (r *Room) Close() {
	r.stopOnce.Do(func() {
		r.closed.Store(true)
		close(r.quit)
		<-r.done
		if r.router != nil {
			if err := r.router.Close(); err != nil {
				log.Warn().Str("module", "core.room").Str("room", string(r.id)).Err(err).Msg("router close")
			}
		}
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Msg("room closed")
	})
}

// view adapts the room for the policy. Queue only.
func (r *Room) view() RoomView { return queueView{r} }

type queueView struct{ r *Room }

func (v queueView) IsLocked() bool { return v.r.locked }

func (v queueView) AnyActive(fn func(domain.RoleSet) bool) bool {
	for _, p := range v.r.peers {
		if fn(p.Roles()) {
			return true
		}
	}
	return false
}

// PeerDirectory is the process wide peer id index.
type PeerDirectory interface {
	Get(id domain.PeerID) (*Peer, bool)
	// Claim stores p when the id is free or still bound to prev.
	Claim(p, prev *Peer) bool
	// Release drops p if it is still the bound peer.
	Release(p *Peer)
}

type JoinRequest struct {
	PeerID      domain.PeerID
	Conn        SignalConnection
	// Token is the resumption token the client presented; TokenValid says
	// the caller checked signature, expiry, peer and room.
	Token       string
	TokenValid  bool
	User        *domain.UserInfo
	DisplayName string
	Directory   PeerDirectory
	// Prepare runs on the queue after the peer exists and before it is
	// admitted. It issues the token and applies user mapping.
	Prepare     func(*Peer) error
}

type JoinResult struct {
	Peer      *Peer
	Returning bool
	Lobby     bool
}

// Join admits a new connection. An id with a live session is rejected
// unless the request carries a resumption token this room issued; in that
// case the old session is closed and removed before the new one is bound.
func (r *Room) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	var res JoinResult
	err := r.Do(ctx, func() error {
		var err error
		res, err = r.join(req)
		return err
	})
	return res, err
}

func (r *Room) join(req JoinRequest) (JoinResult, error) {
	existing, found := req.Directory.Get(req.PeerID)
	resumable := req.TokenValid && r.verifyToken(req.PeerID, req.Token)
	if found && (!resumable || existing.RoomID() != r.id) {
		log.Warn().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(req.PeerID)).Msg("duplicate session rejected")
		return JoinResult{}, domain.ErrSessionConflict
	}
	returning := resumable

	if !returning && r.opts.MaxPeers > 0 && int(r.members.Load()) >= r.opts.MaxPeers {
		return JoinResult{}, domain.ErrRoomFull
	}

	peer := NewPeer(req.PeerID, r.id, req.Conn)
	if prev, ok := r.previousIdentity(existing, found, req.PeerID); returning && ok {
		peer.inherit(prev)
	} else if req.DisplayName != "" {
		if name, err := domain.NormalizeDisplayName(req.DisplayName); err == nil {
			peer.SetDisplayName(name)
		}
	}
	if req.User != nil {
		peer.Authenticate(*req.User)
	}
	// the replaced session stays intact until the new one is ready
	if req.Prepare != nil {
		if err := req.Prepare(peer); err != nil {
			return JoinResult{}, err
		}
	}
	if !req.Directory.Claim(peer, existing) {
		return JoinResult{}, domain.ErrSessionConflict
	}
	if found {
		r.removePeer(existing)
		existing.Close()
	}
	dir := req.Directory
	peer.unbind = dir.Release
	peer.OnClose(func(p *Peer) {
		dir.Release(p)
		go r.leave(p)
	})

	r.members.Add(1)
	r.setToken(peer.ID(), issuedToken{token: peer.Token()})

	res := JoinResult{Peer: peer, Returning: returning}
	if returning || r.mayEnter(peer) {
		if err := r.admit(peer, returning); err != nil {
			return JoinResult{}, err
		}
	} else {
		r.park(peer)
		res.Lobby = true
	}
	r.changed()
	return res, nil
}

// previousIdentity returns the identity a resuming peer takes over: the
// live session it replaces, or the one kept when it left. Queue only.
func (r *Room) previousIdentity(existing *Peer, found bool, id domain.PeerID) (identity, bool) {
	if found {
		return existing.identity(), true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tokens[id]; ok && t.left != nil {
		return *t.left, true
	}
	return identity{}, false
}

func (r *Room) mayEnter(p *Peer) bool {
	if r.policy.IsAllowed(r.view(), p, domain.BypassLobby) {
		return true
	}
	if r.locked {
		return false
	}
	return r.opts.ActivateOnHostJoin && len(r.peers) > 0
}

// admit makes p active, sends it the room state and tells everyone.
func (r *Room) admit(p *Peer, returning bool) error {
	if err := p.activate(r.now()); err != nil {
		return err
	}
	r.mu.Lock()
	if _, parked := r.lobby[p.id]; parked {
		delete(r.lobby, p.id)
		r.lobbyOrder = slices.DeleteFunc(r.lobbyOrder, func(id domain.PeerID) bool { return id == p.id })
	}
	r.peers[p.id] = p
	r.order = append(r.order, p.id)
	spotChanged := r.spot.add(p.id)
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Bool("returning", returning).Msg("peer joined")

	r.send(p, NotifyRoomReady, r.stateFor(p, returning))
	r.broadcast(NotifyPeerJoined, p.Info())
	if spotChanged {
		r.broadcast(NotifySpotlightsChanged, spotlightsPayload{PeerIDs: r.spot.list()})
	}
	return nil
}

func (r *Room) park(p *Peer) {
	r.mu.Lock()
	r.lobby[p.id] = p
	r.lobbyOrder = append(r.lobbyOrder, p.id)
	r.mu.Unlock()

	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Bool("locked", r.locked).Msg("peer parked in lobby")

	r.send(p, NotifyEnteredLobby, struct {
		Locked bool `json:"locked"`
	}{r.locked})
	r.notifyAllowed(domain.PromotePeer, NotifyLobbyPeerJoined, lobbyPeer(p))
}

// leave is the close callback path.
func (r *Room) leave(p *Peer) {
	err := r.Do(context.Background(), func() error {
		r.removePeer(p)
		return nil
	})
	if err != nil {
		log.Debug().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Err(err).Msg("leave after close")
	}
}

// evict removes p and frees its id at once, so the same id can reconnect
// while the connection and media are still being torn down. Queue only.
func (r *Room) evict(p *Peer) {
	r.removePeer(p)
	if p.unbind != nil {
		p.unbind(p)
	}
	go p.Close()
}

// removePeer drops p from the room if it is still the bound instance.
// Idempotent. Queue only.
func (r *Room) removePeer(p *Peer) {
	r.mu.Lock()
	active := r.peers[p.id] == p
	parked := r.lobby[p.id] == p
	if !active && !parked {
		r.mu.Unlock()
		return
	}
	var spotChanged bool
	if active {
		delete(r.peers, p.id)
		r.order = slices.DeleteFunc(r.order, func(id domain.PeerID) bool { return id == p.id })
		spotChanged = r.spot.remove(p.id, r.order)
	} else {
		delete(r.lobby, p.id)
		r.lobbyOrder = slices.DeleteFunc(r.lobbyOrder, func(id domain.PeerID) bool { return id == p.id })
	}
	if t, ok := r.tokens[p.id]; ok && t.token == p.Token() {
		id := p.identity()
		t.expires = r.now().Add(r.retention())
		t.left = &id
		r.tokens[p.id] = t
	}
	r.mu.Unlock()
	left := r.members.Add(-1)

	if active {
		r.closeProducersOf(p)
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Msg("peer left")
		r.broadcast(NotifyPeerLeft, peerRef{PeerID: p.id})
		if spotChanged {
			r.broadcast(NotifySpotlightsChanged, spotlightsPayload{PeerIDs: r.spot.list()})
		}
	} else {
		log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("peer", string(p.id)).Msg("lobby peer left")
		r.notifyAllowed(domain.PromotePeer, NotifyLobbyPeerClosed, peerRef{PeerID: p.id})
	}
	r.changed()
	if left == 0 && r.onEmpty != nil {
		go r.onEmpty(r)
	}
}

func (r *Room) changed() {
	if r.onChange != nil {
		go r.onChange(r)
	}
}

func (r *Room) retention() time.Duration {
	if r.opts.TokenRetention > 0 {
		return r.opts.TokenRetention
	}
	return DefaultTokenRetention
}

func (r *Room) setToken(id domain.PeerID, t issuedToken) {
	if t.token == "" {
		return
	}
	r.mu.Lock()
	r.tokens[id] = t
	r.mu.Unlock()
}

// VerifyPeer reports whether token is the resumption token this room
// issued to id, and is still within retention.
func (r *Room) VerifyPeer(id domain.PeerID, token string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokenMatches(id, token)
}

func (r *Room) verifyToken(id domain.PeerID, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for pid, t := range r.tokens {
		if !t.expires.IsZero() && now.After(t.expires) {
			delete(r.tokens, pid)
		}
	}
	return r.tokenMatches(id, token)
}

func (r *Room) tokenMatches(id domain.PeerID, token string) bool {
	if token == "" {
		return false
	}
	t, ok := r.tokens[id]
	if !ok || t.token != token {
		return false
	}
	return t.expires.IsZero() || r.now().Before(t.expires)
}

// ForgetToken drops the resumption token of id.
func (r *Room) ForgetToken(ctx context.Context, id domain.PeerID) error {
	return r.Do(ctx, func() error {
		r.dropToken(id)
		return nil
	})
}

func (r *Room) dropToken(id domain.PeerID) {
	r.mu.Lock()
	delete(r.tokens, id)
	r.mu.Unlock()
}

func (r *Room) stateFor(p *Peer, returning bool) RoomState {
	peers := make([]PeerInfo, 0, len(r.order))
	for _, id := range r.order {
		if id == p.id {
			continue
		}
		peers = append(peers, r.peers[id].Info())
	}
	st := RoomState{
		PeerID:        p.id,
		Token:         p.Token(),
		Returning:     returning,
		Authenticated: p.Authenticated(),
		Roles:         p.Roles().IDs(),
		Locked:        r.locked,
		Peers:         peers,
		Spotlights:    r.spot.list(),
		ChatHistory:   slices.Clone(r.chat),
		FileHistory:   slices.Clone(r.files),
		Permissions:   r.policy.Table(),
		AllRoles:      domain.BuiltinRoles(),
	}
	if r.policy.IsAllowed(r.view(), p, domain.PromotePeer) {
		st.LobbyPeers = r.lobbyPeersLocked()
	}
	return st
}

func (r *Room) lobbyPeersLocked() []LobbyPeer {
	out := make([]LobbyPeer, 0, len(r.lobbyOrder))
	for _, id := range r.lobbyOrder {
		out = append(out, lobbyPeer(r.lobby[id]))
	}
	return out
}

func lobbyPeer(p *Peer) LobbyPeer {
	return LobbyPeer{ID: p.id, DisplayName: p.DisplayName(), Picture: p.Picture()}
}

type spotlightsPayload struct {
	PeerIDs []domain.PeerID `json:"peerIds"`
}

// activePeer returns the active peer bound to id, or an error.
func (r *Room) activePeer(id domain.PeerID) (*Peer, error) {
	p, ok := r.peers[id]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// activeList returns the active peers in join order. Sends may remove
// peers, so loops that notify iterate this copy.
func (r *Room) activeList() []*Peer {
	out := make([]*Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id])
	}
	return out
}

// requireActive checks that p is the active instance in this room.
func (r *Room) requireActive(p *Peer) error {
	if cur, ok := r.peers[p.id]; !ok || cur != p {
		return domain.ErrNotJoined
	}
	return nil
}

func (r *Room) allow(p *Peer, action domain.Action) error {
	if !r.policy.IsAllowed(r.view(), p, action) {
		return fmt.Errorf("%s: %w", action, domain.ErrForbidden)
	}
	return nil
}

// RoomSnapshot is a consistent read of the room without entering the queue.
type RoomSnapshot struct {
	ID         domain.RoomID   `json:"id"`
	Locked     bool            `json:"locked"`
	Peers      []PeerInfo      `json:"peers"`
	LobbyPeers []LobbyPeer     `json:"lobbyPeers"`
	Spotlights []domain.PeerID `json:"spotlights"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (r *Room) Snapshot() RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RoomSnapshot{
		ID:         r.id,
		Locked:     r.locked,
		Peers:      make([]PeerInfo, 0, len(r.order)),
		LobbyPeers: r.lobbyPeersLocked(),
		Spotlights: r.spot.list(),
		CreatedAt:  r.createdAt,
	}
	for _, id := range r.order {
		s.Peers = append(s.Peers, r.peers[id].Info())
	}
	return s
}

func (r *Room) Locked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// PeerIDs returns active peer ids in join order.
func (r *Room) PeerIDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Room) LobbyIDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.lobbyOrder)
}

func (r *Room) Spotlights() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spot.list()
}

// PeerCount counts active and parked peers.
func (r *Room) PeerCount() int { return int(r.members.Load()) }
