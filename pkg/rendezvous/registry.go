package rendezvous

import (
	"slices"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// SessionInfo is the registry's view of one registered node.
type SessionInfo struct {
	Session    string `json:"session,omitempty"`
	Rank       int    `json:"rank"`
	ClientKind string `json:"client_kind"`
	Ready      bool   `json:"ready"`
	Expected   []int  `json:"expected"`
	Connected  []int  `json:"connected"`
}

type member struct {
	rank      int
	kind      string
	ready     bool
	expected  map[int]struct{}
	connected map[int]struct{}
}

// Registry assigns ranks and tracks which neighbor links every node reports
// as connected. It is not safe for concurrent use; Server serializes access.
type Registry struct {
	members  map[int]*member
	nextRank int
}

// NewRegistry returns an empty registry whose first rank is 0.
func NewRegistry() *Registry {
	return &Registry{members: make(map[int]*member)}
}

// Register assigns the next rank. Ranks are never reused, even after the
// holder leaves. A node that joins a grid with no neighbor to link to is
// ready at once, since it will never report a link. Other members keep
// their flags; only MarkConnected sets them.
func (r *Registry) Register(clientKind string) int {
	rank := r.nextRank
	r.nextRank++
	m := &member{
		rank:      rank,
		kind:      clientKind,
		expected:  make(map[int]struct{}),
		connected: make(map[int]struct{}),
	}
	r.members[rank] = m
	r.refreshExpected()
	m.ready = len(m.expected) == 0 && r.satisfied(m)
	return rank
}

// Unregister removes rank, forgets it in every survivor's connected set and
// clears every survivor's ready flag. A survivor becomes ready again only
// through a new MarkConnected report. It reports whether rank was present.
func (r *Registry) Unregister(rank int) bool {
	if _, ok := r.members[rank]; !ok {
		return false
	}
	delete(r.members, rank)
	for _, m := range r.members {
		delete(m.connected, rank)
		m.ready = false
	}
	r.refreshExpected()
	return true
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int { return len(r.members) }

// GridSize returns the grid side for the current membership.
func (r *Registry) GridSize() int { return GridSize(len(r.members)) }

// Contains reports whether rank is registered.
func (r *Registry) Contains(rank int) bool {
	_, ok := r.members[rank]
	return ok
}

// Kind returns the client kind rank registered with.
func (r *Registry) Kind(rank int) string {
	if m, ok := r.members[rank]; ok {
		return m.kind
	}
	return ""
}

// NeighborsOf returns the neighbor map sent to rank: the toroidal neighbors
// that are live, are not rank itself, and list rank among their own toroidal
// neighbors. Ranks outside the g×g square can name ranks that would not name
// them back; such one-sided entries are left out so both ends of every link
// agree it exists.
func (r *Registry) NeighborsOf(rank int) map[wire.Direction]int {
	out := make(map[wire.Direction]int)
	if !r.Contains(rank) {
		return out
	}
	g := r.GridSize()
	for d, n := range Neighbors(rank, g) {
		if n == rank || !r.Contains(n) {
			continue
		}
		if !slices.Contains(neighborRanks(n, g), rank) {
			continue
		}
		out[d] = n
	}
	return out
}

// Topology builds the topology message for rank.
func (r *Registry) Topology(rank int) *wire.Topology {
	return &wire.Topology{
		Type:      wire.TypeTopology,
		Rank:      rank,
		Neighbors: r.NeighborsOf(rank),
		GridSize:  r.GridSize(),
	}
}

// Ranks returns the registered ranks in ascending order.
func (r *Registry) Ranks() []int {
	out := make([]int, 0, len(r.members))
	for rank := range r.members {
		out = append(out, rank)
	}
	slices.Sort(out)
	return out
}

// MarkConnected records that rank reports an open link to peer and
// re-evaluates rank's ready flag. It reports whether rank is ready afterwards.
func (r *Registry) MarkConnected(rank, peer int) bool {
	m, ok := r.members[rank]
	if !ok {
		return false
	}
	m.connected[peer] = struct{}{}
	m.ready = r.satisfied(m)
	return m.ready
}

// IsReady reports rank's ready flag.
func (r *Registry) IsReady(rank int) bool {
	m, ok := r.members[rank]
	return ok && m.ready
}

// AllReady reports whether at least one node is registered and every
// registered node is ready.
func (r *Registry) AllReady() bool {
	if len(r.members) == 0 {
		return false
	}
	for _, m := range r.members {
		if !m.ready {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of every member, ordered by rank.
func (r *Registry) Snapshot() []SessionInfo {
	out := make([]SessionInfo, 0, len(r.members))
	for _, rank := range r.Ranks() {
		m := r.members[rank]
		out = append(out, SessionInfo{
			Rank:       m.rank,
			ClientKind: m.kind,
			Ready:      m.ready,
			Expected:   sortedKeys(m.expected),
			Connected:  sortedKeys(m.connected),
		})
	}
	return out
}

// satisfied is the readiness rule: a grid exists and every expected neighbor
// has been reported connected.
func (r *Registry) satisfied(m *member) bool {
	if r.GridSize() < 2 {
		return false
	}
	for peer := range m.expected {
		if _, ok := m.connected[peer]; !ok {
			return false
		}
	}
	return true
}

func (r *Registry) refreshExpected() {
	for rank, m := range r.members {
		m.expected = make(map[int]struct{})
		for _, n := range r.NeighborsOf(rank) {
			m.expected[n] = struct{}{}
		}
	}
}

func neighborRanks(rank, g int) []int {
	out := make([]int, 0, 4)
	for _, n := range Neighbors(rank, g) {
		out = append(out, n)
	}
	return out
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
