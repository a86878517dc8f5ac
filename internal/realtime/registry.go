package realtime

import (
	"hash/fnv"
	"sync"
)

// shardCount はRegistryのシャード数。
const shardCount = 32

// Member はルームに所属する1つの接続。
type Member interface {
	// ID は接続の一意識別子を返す。
	ID() string
	// Deliver はフレームを送信キューに積む。ブロックしてはならない。
	// キューが満杯、または接続が閉じている場合はfalseを返す。
	Deliver(frame []byte) bool
}

// shard はユーザーIDのハッシュで分割したルームの集合。
type shard struct {
	mu    sync.Mutex
	rooms map[string]map[string]Member
}

// Registry はユーザーIDごとのルームと所属する接続を管理する。
//
// 同じユーザーIDへの操作は所属シャードのロックで直列化され、
// 異なるユーザーIDへの操作は別シャードであれば競合しない。
// 1つの接続に対するJoinとLeaveは、その接続の読み込みループから直列に呼び出すこと。
type Registry struct {
	shards [shardCount]*shard
	// conns は接続IDから所属ルームのユーザーIDへの対応。
	conns sync.Map
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]map[string]Member)}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Join は接続をユーザーIDのルームに所属させる。
// 接続が既に別のルームに所属していた場合はそのルームから移動する。
func (r *Registry) Join(userID string, m Member) {
	if prev, loaded := r.conns.Swap(m.ID(), userID); loaded {
		if prevUser := prev.(string); prevUser != userID {
			r.remove(prevUser, m.ID())
		}
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[userID]
	if !ok {
		room = make(map[string]Member)
		s.rooms[userID] = room
	}
	room[m.ID()] = m
}

// Leave は接続を所属ルームから外す。どのルームにも所属していない接続では何もしない。
func (r *Registry) Leave(connID string) {
	if prev, loaded := r.conns.LoadAndDelete(connID); loaded {
		r.remove(prev.(string), connID)
	}
}

func (r *Registry) remove(userID, connID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[userID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(s.rooms, userID)
	}
}

// RoomOf は接続が所属するルームのユーザーIDを返す。
func (r *Registry) RoomOf(connID string) (string, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// EmitToUser はユーザーIDのルームに所属する全接続へフレームを配信し、配信できた接続数を返す。
// 呼び出し時点の所属接続のスナップショットに対して配信し、ブロックしない。
// 送信キューが満杯の接続や閉じた接続はスキップする。
func (r *Registry) EmitToUser(userID string, frame []byte) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	room := s.rooms[userID]
	members := make([]Member, 0, len(room))
	for _, m := range room {
		members = append(members, m)
	}
	s.mu.Unlock()

	delivered := 0
	for _, m := range members {
		if m.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

// Count はユーザーIDのルームに所属する接続数を返す。
func (r *Registry) Count(userID string) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[userID])
}

// Connections はいずれかのルームに所属している接続の総数を返す。
func (r *Registry) Connections() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
