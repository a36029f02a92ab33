package p2pnet

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/shurlinet/torusmesh/pkg/wire"
)

// remoteMesh plays every remote peer of one node. It answers the node's
// offers, completes the node's answers to its own offers, and closes remote
// ends on request.
type remoteMesh struct {
	sb   *switchboard
	conn *pipeConn
	self int
	done chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	offerers  map[int64]*fakeTransport
	live      []*fakeTransport
	lowOffers []int
}

func newRemoteMesh(sb *switchboard, conn *pipeConn, self int) *remoteMesh {
	r := &remoteMesh{
		sb:       sb,
		conn:     conn,
		self:     self,
		done:     make(chan struct{}),
		offerers: make(map[int64]*fakeTransport),
	}
	r.wg.Go(r.run)
	return r
}

func (r *remoteMesh) run() {
	for {
		select {
		case <-r.done:
			return
		case m := <-r.conn.out:
			s, ok := m.(*wire.Signal)
			if !ok || s.TargetRank == nil {
				continue
			}
			d, err := wire.DecodeSignalData(s.Data)
			if err != nil {
				continue
			}
			switch d.Type {
			case wire.SignalOffer:
				r.answer(*s.TargetRank, d.SDP)
			case wire.SignalAnswer:
				r.complete(d.SDP)
			}
		}
	}
}

func (r *remoteMesh) track(t *fakeTransport) *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = append(r.live, t)
	return t
}

// answer answers an offer the node sent to rank to.
func (r *remoteMesh) answer(to int, sdp string) {
	r.mu.Lock()
	if to < r.self {
		r.lowOffers = append(r.lowOffers, to)
	}
	r.mu.Unlock()

	t := r.track(r.sb.newTransport("peer", r.self))
	if err := t.SetRemoteDescription(SessionDescription{Type: wire.SignalOffer, SDP: sdp}); err != nil {
		return
	}
	ans, err := t.CreateAnswer()
	if err != nil {
		return
	}
	t.SetLocalDescription(ans)
	r.send(to, wire.SignalData{Type: wire.SignalAnswer, SDP: ans.SDP})
}

// complete applies the node's answer to the remote offer it names.
func (r *remoteMesh) complete(sdp string) {
	id, err := parseFakeSDP(sdp)
	if err != nil {
		return
	}
	r.mu.Lock()
	t := r.offerers[id]
	delete(r.offerers, id)
	r.mu.Unlock()
	if t != nil {
		t.SetRemoteDescription(SessionDescription{Type: wire.SignalAnswer, SDP: sdp})
	}
}

// offer sends the node an offer from rank from.
func (r *remoteMesh) offer(from int) {
	t := r.track(r.sb.newTransport("peer", r.self))
	t.CreateDataChannel(fmt.Sprintf("torus-%d-%d", from, r.self))
	o, _ := t.CreateOffer()
	t.SetLocalDescription(o)
	r.mu.Lock()
	r.offerers[t.id] = t
	r.mu.Unlock()
	r.send(from, wire.SignalData{Type: wire.SignalOffer, SDP: o.SDP})
}

// closeOne closes the remote end picked by i, failing the node's link.
func (r *remoteMesh) closeOne(i int) {
	r.mu.Lock()
	if len(r.live) == 0 {
		r.mu.Unlock()
		return
	}
	t := r.live[i%len(r.live)]
	r.mu.Unlock()
	t.Close()
}

func (r *remoteMesh) send(from int, data wire.SignalData) {
	sig, err := wire.NewSignal(r.self, data)
	if err != nil {
		return
	}
	b, err := wire.Encode(sig.Relayed(from, "go"))
	if err != nil {
		return
	}
	select {
	case r.conn.in <- b:
	case <-r.done:
	}
}

func (r *remoteMesh) offersBelowSelf() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.lowOffers)
}

func (r *remoteMesh) stop() {
	close(r.done)
	r.wg.Wait()
	r.mu.Lock()
	live := slices.Clone(r.live)
	r.mu.Unlock()
	for _, t := range live {
		t.Close()
	}
}

func drawNeighbors(rt *rapid.T, ranks []int) map[wire.Direction]int {
	out := make(map[wire.Direction]int)
	for _, d := range wire.Directions {
		if rapid.Bool().Draw(rt, "has_"+string(d)) {
			out[d] = rapid.SampledFrom(ranks).Draw(rt, "rank_"+string(d))
		}
	}
	return out
}

func checkLinkSets(rt *rapid.T, self int, st Status) {
	for _, r := range st.Pending {
		if slices.Contains(st.Connected, r) {
			rt.Fatalf("rank %d both pending and connected: pending %v connected %v", r, st.Pending, st.Connected)
		}
	}
	for _, l := range st.Links {
		if l.PeerRank == self {
			rt.Fatalf("link to self: %+v", l)
		}
	}
}

// Whatever topologies, offers and link failures a node sees, no rank is both
// pending and connected, and the node never offers to a lower rank.
func TestCoordinatorLinkSetsStayDisjoint(t *testing.T) {
	const self = 2
	ranks := []int{0, 1, 3, 4}

	rapid.Check(t, func(rt *rapid.T) {
		sb := newSwitchboard()
		h := startNode(t, sb, Options{MaxRetries: 2, RetryDelay: time.Millisecond, PingInterval: time.Minute})
		remote := newRemoteMesh(sb, h.conn, self)
		defer func() {
			h.stop()
			remote.stop()
		}()

		h.topology(self, drawNeighbors(rt, ranks))
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for range steps {
			switch rapid.IntRange(0, 2).Draw(rt, "action") {
			case 0:
				h.conn.deliver(t, &wire.Topology{Rank: self, GridSize: 2, Neighbors: drawNeighbors(rt, ranks)})
			case 1:
				remote.offer(rapid.SampledFrom([]int{0, 1}).Draw(rt, "offerer"))
			case 2:
				remote.closeOne(rapid.IntRange(0, 64).Draw(rt, "victim"))
			}
			time.Sleep(time.Millisecond)
			checkLinkSets(rt, self, h.c.Status())
		}
		for range 5 {
			time.Sleep(2 * time.Millisecond)
			checkLinkSets(rt, self, h.c.Status())
		}

		if low := remote.offersBelowSelf(); len(low) > 0 {
			rt.Fatalf("node offered to lower ranks %v", low)
		}
	})
}
