// Package registry is the authoritative, concurrency-safe store of rooms,
// memberships and per-token liveness. Every mutation happens under a single
// mutex; operations that feed network sends return snapshots so no send ever
// holds the lock.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/hiroba-chat/broker/internal/v1/metrics"
	"github.com/hiroba-chat/broker/internal/v1/types"
)

var (
	ErrRoomExists      = errors.New("room already exists")
	ErrRoomNotFound    = errors.New("room not found")
	ErrInvalidPassword = errors.New("invalid password")
	ErrUnknownToken    = errors.New("unknown token")

	// ErrUnauthorized marks datagrams whose (room, token, source IP) triple
	// does not match registry state.
	ErrUnauthorized = errors.New("unauthorized datagram")
)

// room is the per-room record. verifier is the one-way password blob; empty
// means the room is open access.
type room struct {
	hostToken types.Token
	verifier  string
	members   map[types.Token]types.Member
}

// memberInfo is the reverse token index entry.
type memberInfo struct {
	room     types.RoomName
	username types.Username
}

// DatagramRoute is the result of authenticating an inbound datagram: who is
// speaking, whether they are the room's host, and a snapshot of every other
// addressable member.
type DatagramRoute struct {
	Username   types.Username
	IsHost     bool
	Recipients []types.Member
}

// systemClock is the default Clock.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Registry owns the room, membership and liveness maps.
type Registry struct {
	mu       sync.Mutex
	rooms    map[types.RoomName]*room
	members  map[types.Token]memberInfo
	liveness map[types.Token]time.Time

	verifier types.PasswordVerifier
	issuer   types.TokenIssuer
	clock    types.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock swaps the liveness clock. Used by reaper tests.
func WithClock(c types.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// New creates an empty registry backed by the given collaborators.
func New(verifier types.PasswordVerifier, issuer types.TokenIssuer, opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[types.RoomName]*room),
		members:  make(map[types.Token]memberInfo),
		liveness: make(map[types.Token]time.Time),
		verifier: verifier,
		issuer:   issuer,
		clock:    systemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom creates a room and installs the caller as its host. The password
// is hashed outside the lock; when two CREATEs race, exactly one wins and the
// other observes ErrRoomExists.
func (r *Registry) CreateRoom(name types.RoomName, username types.Username, password, ip string) (types.Token, error) {
	// Cheap pre-check so the loser of an obvious race skips the hash work.
	r.mu.Lock()
	_, exists := r.rooms[name]
	r.mu.Unlock()
	if exists {
		return "", ErrRoomExists
	}

	var verifier string
	if password != "" {
		var err error
		verifier, err = r.verifier.Hash(password)
		if err != nil {
			return "", err
		}
	}

	token := r.issuer.NewToken()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[name]; exists {
		return "", ErrRoomExists
	}

	r.rooms[name] = &room{
		hostToken: token,
		verifier:  verifier,
		members:   map[types.Token]types.Member{token: {IP: ip}},
	}
	r.members[token] = memberInfo{room: name, username: username}
	r.liveness[token] = r.clock.Now()

	metrics.ActiveRooms.Inc()
	metrics.RoomMembers.WithLabelValues(string(name)).Set(1)

	return token, nil
}

// JoinRoom admits a member to an existing room. A room with no verifier
// accepts only the empty password. The bcrypt check runs outside the lock;
// the room is re-resolved afterwards so a join racing a close either lands
// before it (and is closed with the room) or fails with ErrRoomNotFound.
func (r *Registry) JoinRoom(name types.RoomName, username types.Username, password, ip string) (types.Token, error) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok {
		r.mu.Unlock()
		return "", ErrRoomNotFound
	}
	verifier := rm.verifier
	r.mu.Unlock()

	if verifier == "" {
		if password != "" {
			return "", ErrInvalidPassword
		}
	} else if !r.verifier.Verify(password, verifier) {
		return "", ErrInvalidPassword
	}

	token := r.issuer.NewToken()

	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok = r.rooms[name]
	if !ok {
		return "", ErrRoomNotFound
	}

	rm.members[token] = types.Member{IP: ip}
	r.members[token] = memberInfo{room: name, username: username}
	r.liveness[token] = r.clock.Now()

	metrics.RoomMembers.WithLabelValues(string(name)).Set(float64(len(rm.members)))

	return token, nil
}

// BindReturnPort records the datagram port the client announced at the end of
// its handshake.
func (r *Registry) BindReturnPort(token types.Token, port uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.members[token]
	if !ok {
		return ErrUnknownToken
	}
	rm, ok := r.rooms[info.room]
	if !ok {
		return ErrUnknownToken
	}

	m := rm.members[token]
	m.ReturnPort = port
	rm.members[token] = m
	return nil
}

// LookupForDatagram authenticates an inbound datagram by its (room, token,
// source IP) triple, refreshes the sender's liveness, and returns a snapshot
// of every other addressable member.
func (r *Registry) LookupForDatagram(name types.RoomName, token types.Token, sourceIP string) (DatagramRoute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return DatagramRoute{}, ErrUnauthorized
	}
	member, ok := rm.members[token]
	if !ok {
		return DatagramRoute{}, ErrUnauthorized
	}
	if member.IP != sourceIP {
		return DatagramRoute{}, ErrUnauthorized
	}
	info, ok := r.members[token]
	if !ok || info.room != name {
		return DatagramRoute{}, ErrUnauthorized
	}

	r.liveness[token] = r.clock.Now()

	route := DatagramRoute{
		Username: info.username,
		IsHost:   token == rm.hostToken,
	}
	for t, m := range rm.members {
		if t == token || !m.Addressable() {
			continue
		}
		route.Recipients = append(route.Recipients, m)
	}
	return route, nil
}

// AnnounceTargets returns a snapshot of every addressable member of a room,
// for system broadcasts that exclude no one.
func (r *Registry) AnnounceTargets(name types.RoomName) []types.Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}
	var targets []types.Member
	for _, m := range rm.members {
		if m.Addressable() {
			targets = append(targets, m)
		}
	}
	return targets
}

// CloseRoom removes a room and every token it contained from all indices,
// returning the removed members so the caller can send the farewell datagram
// from the snapshot. Idempotent: a second close returns nil.
func (r *Registry) CloseRoom(name types.RoomName) []types.Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeRoomLocked(name)
}

func (r *Registry) closeRoomLocked(name types.RoomName) []types.Eviction {
	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}

	removed := make([]types.Eviction, 0, len(rm.members))
	for t, m := range rm.members {
		removed = append(removed, types.Eviction{Token: t, Member: m})
		delete(r.members, t)
		delete(r.liveness, t)
	}
	delete(r.rooms, name)

	metrics.ActiveRooms.Dec()
	metrics.RoomMembers.DeleteLabelValues(string(name))

	return removed
}

// Reap applies one eviction cycle: rooms whose host has been silent past the
// timeout are closed outright; in surviving rooms, silent non-host members
// are evicted. The returned schedule carries address snapshots for the
// eviction and farewell notices the caller sends afterwards.
func (r *Registry) Reap(timeout time.Duration) []types.ReapAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var actions []types.ReapAction

	for name, rm := range r.rooms {
		if now.Sub(r.liveness[rm.hostToken]) > timeout {
			actions = append(actions, types.ReapAction{
				Room:      name,
				CloseRoom: true,
				Evicted:   r.closeRoomLocked(name),
			})
			continue
		}

		var evicted []types.Eviction
		for t, m := range rm.members {
			if t == rm.hostToken {
				continue
			}
			if now.Sub(r.liveness[t]) > timeout {
				evicted = append(evicted, types.Eviction{Token: t, Member: m})
				delete(rm.members, t)
				delete(r.members, t)
				delete(r.liveness, t)
			}
		}
		if len(evicted) > 0 {
			metrics.RoomMembers.WithLabelValues(string(name)).Set(float64(len(rm.members)))
			actions = append(actions, types.ReapAction{Room: name, Evicted: evicted})
		}
	}

	return actions
}

// RoomCount returns the number of open rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// MemberCount returns the number of tokens across all rooms.
func (r *Registry) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
