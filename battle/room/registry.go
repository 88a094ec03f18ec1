// Package room keeps the live membership of every battle room: who is
// physically connected right now, independent of the persisted record.
package room

import (
	"errors"
	"sync"

	"quizbattle/models"
)

var ErrRoomFull = errors.New("room already has two members")

// Sender is the outbound side of one connection.
type Sender interface {
	ID() string
	Send(msg []byte) bool
}

// Member はルーム内の1接続
type Member struct {
	UserID      string
	DisplayName string
	Conn        Sender
}

func (m Member) Info() models.Member {
	return models.Member{UserID: m.UserID, DisplayName: m.DisplayName}
}

// JoinResult describes what a join changed.
type JoinResult struct {
	Members []models.Member
	// Added is false when the user was already present (re-join).
	Added bool
	// Replaced is the connection a re-join displaced, if it differs.
	Replaced Sender
	// Ready is true exactly once per room, when it first reaches two members.
	Ready bool
}

type room struct {
	mu      sync.Mutex
	members []Member
	ready   bool
	closed  bool // GC済み。以後は変更しない
}

// Registry maps battle ids to rooms. Each room has its own lock, so
// mutations for one battle are serialized without blocking other battles.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

func (r *Registry) getOrCreate(battleID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[battleID]
	if !ok {
		rm = &room{}
		r.rooms[battleID] = rm
	}
	return rm
}

func (r *Registry) get(battleID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[battleID]
}

// Join adds or refreshes a member. A user already in the room keeps a single
// entry; only its connection is updated.
func (r *Registry) Join(battleID string, m Member) (JoinResult, error) {
	for {
		rm := r.getOrCreate(battleID)
		rm.mu.Lock()
		if rm.closed {
			// 削除と競合した。新しいルームで取り直す
			rm.mu.Unlock()
			continue
		}
		res, err := rm.join(m)
		rm.mu.Unlock()
		return res, err
	}
}

func (rm *room) join(m Member) (JoinResult, error) {
	var res JoinResult
	found := false
	for i := range rm.members {
		if rm.members[i].UserID == m.UserID {
			found = true
			if rm.members[i].Conn != nil && m.Conn != nil && rm.members[i].Conn.ID() != m.Conn.ID() {
				res.Replaced = rm.members[i].Conn
			}
			rm.members[i].Conn = m.Conn
			if m.DisplayName != "" {
				rm.members[i].DisplayName = m.DisplayName
			}
			break
		}
	}
	if !found {
		if len(rm.members) >= models.MaxParticipants {
			return res, ErrRoomFull
		}
		rm.members = append(rm.members, m)
		res.Added = true
	}
	if len(rm.members) == models.MaxParticipants && !rm.ready {
		rm.ready = true
		res.Ready = true
	}
	res.Members = rm.info()
	return res, nil
}

func (rm *room) info() []models.Member {
	out := make([]models.Member, len(rm.members))
	for i, m := range rm.members {
		out[i] = m.Info()
	}
	return out
}

// Leave removes the member whose current connection is connID. A connection
// that was already replaced by a re-join is ignored.
func (r *Registry) Leave(battleID, connID string) (left Member, remaining []models.Member, ok bool) {
	rm := r.get(battleID)
	if rm == nil {
		return Member{}, nil, false
	}
	rm.mu.Lock()
	for i, m := range rm.members {
		if m.Conn != nil && m.Conn.ID() == connID {
			left = m
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			ok = true
			break
		}
	}
	remaining = rm.info()
	empty := len(rm.members) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[battleID] == rm {
			delete(r.rooms, battleID)
		}
		r.mu.Unlock()
	}
	return left, remaining, ok
}

// Snapshot returns a copy of the members of a room, in join order.
func (r *Registry) Snapshot(battleID string) []Member {
	rm := r.get(battleID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]Member, len(rm.members))
	copy(out, rm.members)
	return out
}

// Members returns the wire view of a room's membership.
func (r *Registry) Members(battleID string) []models.Member {
	snap := r.Snapshot(battleID)
	out := make([]models.Member, len(snap))
	for i, m := range snap {
		out[i] = m.Info()
	}
	return out
}

// IsMember reports whether connID is the current connection of a member.
func (r *Registry) IsMember(battleID, connID string) bool {
	for _, m := range r.Snapshot(battleID) {
		if m.Conn != nil && m.Conn.ID() == connID {
			return true
		}
	}
	return false
}

// Len はアクティブなルーム数
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
