package core

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type PeerState int32

const (
	PeerPending PeerState = iota
	PeerAuthenticated
	PeerActive
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerPending:
		return "pending"
	case PeerAuthenticated:
		return "authenticated"
	case PeerActive:
		return "active"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// PeerInfo is the public view of a peer sent to other peers.
type PeerInfo struct {
	ID          domain.PeerID  `json:"id"`
	DisplayName string         `json:"displayName"`
	Picture     string         `json:"picture,omitempty"`
	Roles       []string       `json:"roles"`
	RaisedHand  bool           `json:"raisedHand"`
	RaisedAt    int64          `json:"raisedHandTimestamp,omitempty"`
	Producers   []ProducerInfo `json:"producers,omitempty"`
}

type ProducerInfo struct {
	ID     string `json:"id"`
	Source Source `json:"source"`
	Paused bool   `json:"paused"`
}

type transportEntry struct {
	t         Transport
	consuming bool
	connected bool
}

// Peer is one signaling session. Fields are guarded by mu for readers;
// mutations happen from the owning room's task queue, except Close which
// may come from any goroutine.
type Peer struct {
	id     domain.PeerID
	roomID domain.RoomID
	conn   SignalConnection

	mu            sync.RWMutex
	state         PeerState
	authID        string
	user          domain.UserInfo
	displayName   string
	picture       string
	email         string
	roles         domain.RoleSet
	authenticated bool
	token         string
	raisedHand    bool
	raisedAt      time.Time
	joinedAt      time.Time

	transports map[string]*transportEntry
	producers  map[string]Producer
	consumers  map[string]Consumer

	// unbind frees the peer id in the directory; set by the room on join.
	unbind func(*Peer)

	closeOnce sync.Once
	onClose   []func(*Peer)
}

// identity is what a resumed session carries over from the one it replaces.
type identity struct {
	user          domain.UserInfo
	authenticated bool
	displayName   string
	picture       string
	email         string
	roles         domain.RoleSet
}

func (p *Peer) identity() identity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return identity{
		user:          p.user,
		authenticated: p.authenticated,
		displayName:   p.displayName,
		picture:       p.picture,
		email:         p.email,
		roles:         p.roles.Clone(),
	}
}

// inherit takes over the identity of a replaced session.
func (p *Peer) inherit(id identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = id.user
	p.authID = id.user.ID
	p.authenticated = id.authenticated
	p.displayName = id.displayName
	p.picture = id.picture
	p.email = id.email
	for k, r := range id.roles {
		p.roles[k] = r
	}
	if p.authenticated && p.state == PeerPending {
		p.state = PeerAuthenticated
	}
}

func NewPeer(id domain.PeerID, roomID domain.RoomID, conn SignalConnection) *Peer {
	return &Peer{
		id:          id,
		roomID:      roomID,
		conn:        conn,
		displayName: domain.DefaultDisplayName,
		roles:       domain.NewRoleSet(domain.RoleNormal),
		transports:  make(map[string]*transportEntry),
		producers:   make(map[string]Producer),
		consumers:   make(map[string]Consumer),
	}
}

func (p *Peer) ID() domain.PeerID      { return p.id }
func (p *Peer) RoomID() domain.RoomID  { return p.roomID }
func (p *Peer) Conn() SignalConnection { return p.conn }

func (p *Peer) State() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) Active() bool { return p.State() == PeerActive }
func (p *Peer) Closed() bool { return p.State() == PeerClosed }

func (p *Peer) Roles() domain.RoleSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roles.Clone()
}

func (p *Peer) HasRole(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roles.Has(id)
}

func (p *Peer) AddRole(r domain.Role) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.roles.Has(r.ID) {
		return false
	}
	p.roles[r.ID] = r
	return true
}

// RemoveRole never removes the normal role.
func (p *Peer) RemoveRole(id string) bool {
	if id == domain.RoleNormal.ID {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.roles.Has(id) {
		return false
	}
	delete(p.roles, id)
	return true
}

// ResetRoles drops everything but the normal role and returns what was removed.
func (p *Peer) ResetRoles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []string
	for id := range p.roles {
		if id != domain.RoleNormal.ID {
			removed = append(removed, id)
			delete(p.roles, id)
		}
	}
	return removed
}

func (p *Peer) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

func (p *Peer) SetDisplayName(name string) {
	p.mu.Lock()
	p.displayName = name
	p.mu.Unlock()
}

func (p *Peer) Picture() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.picture
}

func (p *Peer) SetPicture(pic string) {
	p.mu.Lock()
	p.picture = pic
	p.mu.Unlock()
}

func (p *Peer) Email() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.email
}

func (p *Peer) AuthID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authID
}

// UserInfo is the identity of the last login.
func (p *Peer) UserInfo() domain.UserInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user
}

func (p *Peer) Authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authenticated
}

// Authenticate records identity from the auth collaborator and grants the
// authenticated role. It can run before or after the peer is active and
// may be repeated; authenticated never goes back to false.
func (p *Peer) Authenticate(info domain.UserInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authID = info.ID
	p.user = info
	if info.DisplayName != "" {
		p.displayName = info.DisplayName
	}
	if info.Picture != "" {
		p.picture = domain.NormalizePicture(info.Picture)
	}
	if info.Email != "" {
		p.email = info.Email
	}
	p.authenticated = true
	p.roles[domain.RoleAuthenticated.ID] = domain.RoleAuthenticated
	if p.state == PeerPending {
		p.state = PeerAuthenticated
	}
}

func (p *Peer) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

func (p *Peer) SetToken(t string) {
	p.mu.Lock()
	p.token = t
	p.mu.Unlock()
}

func (p *Peer) RaisedHand() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.raisedHand
}

func (p *Peer) SetRaisedHand(v bool, at time.Time) {
	p.mu.Lock()
	p.raisedHand = v
	p.raisedAt = at
	p.mu.Unlock()
}

func (p *Peer) JoinedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joinedAt
}

// activate moves a pending or authenticated peer into the room.
func (p *Peer) activate(now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case PeerClosed:
		return domain.ErrPeerClosed
	case PeerActive:
		return nil
	}
	p.state = PeerActive
	p.joinedAt = now
	return nil
}

// OnClose registers fn to run once after the peer is closed.
func (p *Peer) OnClose(fn func(*Peer)) {
	p.mu.Lock()
	p.onClose = append(p.onClose, fn)
	p.mu.Unlock()
}

// Close is idempotent: it marks the peer closed, drops its signaling
// connection and media, then runs the close callbacks.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = PeerClosed
		transports := p.transports
		p.transports = make(map[string]*transportEntry)
		p.producers = make(map[string]Producer)
		p.consumers = make(map[string]Consumer)
		callbacks := p.onClose
		p.onClose = nil
		p.mu.Unlock()

		if p.conn != nil {
			p.conn.Close()
		}
		for _, e := range transports {
			if err := e.t.Close(); err != nil {
				log.Warn().Str("module", "core.peer").Str("peer", string(p.id)).Err(err).Msg("transport close")
			}
		}
		log.Info().Str("module", "core.peer").Str("peer", string(p.id)).Str("room", string(p.roomID)).Msg("peer closed")
		for _, fn := range callbacks {
			fn(p)
		}
	})
}

// Notify pushes a notification without blocking.
func (p *Peer) Notify(method string, data any) error {
	if p.conn == nil {
		return ErrConnClosed
	}
	frame, err := EncodeNotification(method, data)
	if err != nil {
		return err
	}
	return p.conn.TrySend(frame)
}

func (p *Peer) Info() PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := PeerInfo{
		ID:          p.id,
		DisplayName: p.displayName,
		Picture:     p.picture,
		Roles:       p.roles.IDs(),
		RaisedHand:  p.raisedHand,
	}
	if p.raisedHand {
		info.RaisedAt = p.raisedAt.UnixMilli()
	}
	for id, pr := range p.producers {
		info.Producers = append(info.Producers, ProducerInfo{ID: id, Source: pr.Source(), Paused: pr.Paused()})
	}
	return info
}

func (p *Peer) addTransport(t Transport, consuming bool) {
	p.mu.Lock()
	p.transports[t.ID()] = &transportEntry{t: t, consuming: consuming}
	p.mu.Unlock()
}

func (p *Peer) transport(id string) (*transportEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.transports[id]
	return e, ok
}

// consumingTransport returns the first connected transport that receives media.
func (p *Peer) consumingTransport() (Transport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.transports {
		if e.consuming && e.connected {
			return e.t, true
		}
	}
	return nil, false
}

func (p *Peer) markConnected(id string) {
	p.mu.Lock()
	if e, ok := p.transports[id]; ok {
		e.connected = true
	}
	p.mu.Unlock()
}

func (p *Peer) addProducer(pr Producer) {
	p.mu.Lock()
	p.producers[pr.ID()] = pr
	p.mu.Unlock()
}

func (p *Peer) producer(id string) (Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pr, ok := p.producers[id]
	return pr, ok
}

func (p *Peer) producerBySource(s Source) (Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pr := range p.producers {
		if pr.Source() == s {
			return pr, true
		}
	}
	return nil, false
}

func (p *Peer) removeProducer(id string) (Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	delete(p.producers, id)
	return pr, ok
}

func (p *Peer) producerList() []Producer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Producer, 0, len(p.producers))
	for _, pr := range p.producers {
		out = append(out, pr)
	}
	return out
}

func (p *Peer) addConsumer(c Consumer) {
	p.mu.Lock()
	p.consumers[c.ID()] = c
	p.mu.Unlock()
}

func (p *Peer) consumer(id string) (Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.consumers[id]
	return c, ok
}

// consumersOf returns the consumers fed by producerID.
func (p *Peer) consumersOf(producerID string) []Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Consumer
	for _, c := range p.consumers {
		if c.ProducerID() == producerID {
			out = append(out, c)
		}
	}
	return out
}

func (p *Peer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// notification envelope
type notification struct {
	Notification bool   `json:"notification"`
	Method       string `json:"method"`
	Data         any    `json:"data"`
}

var errNilMethod = errors.New("notification without method")

func EncodeNotification(method string, data any) (Frame, error) {
	if method == "" {
		return nil, errNilMethod
	}
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(notification{Notification: true, Method: method, Data: data})
}
