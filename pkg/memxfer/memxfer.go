// Package memxfer implements the cross-machine memory-transfer pipeline:
// register a local buffer as a readable region, broadcast its availability,
// and post bounded, per-peer-ordered remote reads against regions other
// machines have registered. It plays the role the original RDMA transport
// played, over a plain TCP connection per peer instead of a verbs queue
// pair — the shape (register/broadcast/post/poll) is preserved, the
// transport is not.
package memxfer

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/dedupd/pkg/log"
	gometrics "github.com/hashicorp/go-metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RegionID identifies a registered memory region. The high bit
// (types.MemoryRegionIDRemoteMask) marks a region as remote-readable; this
// package does not interpret that bit itself, callers do.
type RegionID uint32

// maxPendingPerPeer bounds in-flight reads per peer connection, mirroring
// the original's MAX_NUM_PENDING_REQS sizing of a fixed send-queue.
const maxPendingPerPeer = 64

// maxOutstandingBroadcasts bounds the number of RegisterSource calls whose
// peer broadcast has not yet finished, mirroring the original's fixed pool
// of outstanding registration broadcasts.
const maxOutstandingBroadcasts = 32

// Sentinel errors matching the external interface's error taxonomy.
var (
	ErrBackpressure       = errors.New("memxfer: backpressure")
	ErrNotFound           = errors.New("memxfer: region not found")
	ErrRegistrationFailed = errors.New("memxfer: registration failed")
)

// Descriptor is the opaque, remotely-meaningful shape of a registered
// region: which machine and region id it lives under, and its size.
type Descriptor struct {
	MachineID int
	RegionID  RegionID
	Length    int
}

// Region is a locally registered buffer, source or destination.
type Region struct {
	ID   RegionID
	Data []byte
}

// ReadRequest describes one remote read: copy [offset, offset+length) of
// remoteRegion on machineID into Dest.
type ReadRequest struct {
	Context     any
	MachineID   int
	RemoteAddr  uint64
	Length      uint32
	RemoteRegion RegionID
	Dest        []byte // caller-owned destination slice, length == Length
}

// Completion reports the outcome of one posted ReadRequest.
type Completion struct {
	Context any
	Err     error
}

// Layer is one machine's endpoint into the memory-transfer mesh: it owns
// the set of locally registered regions and a connection to every peer
// machine.
type Layer struct {
	machineID int
	listener  net.Listener

	mu      sync.RWMutex
	regions map[RegionID][]byte

	peersMu sync.Mutex
	peers   map[int]*peerConn

	remoteMu sync.RWMutex
	remote   map[int]map[RegionID]Descriptor // machineID -> regionID -> descriptor, populated from peer announces

	readyMu sync.Mutex
	ready   map[RegionID]*sourceReadiness

	broadcastLimiter *rate.Limiter
	broadcastSlots   chan struct{} // bounds outstanding (in-flight) RegisterSource broadcasts

	logger zerolog.Logger
}

// sourceReadiness tracks which peers, among those connected at broadcast
// time, have acknowledged one registered source region. Peers that connect
// later are never added to pending, matching the spec's "peers that join
// later do not retroactively make prior registrations not ready" rule.
type sourceReadiness struct {
	mu      sync.Mutex
	pending map[int]bool
	done    chan struct{}
	closed  bool
}

func newSourceReadiness(peerIDs []int) *sourceReadiness {
	pending := make(map[int]bool, len(peerIDs))
	for _, id := range peerIDs {
		pending[id] = true
	}
	sr := &sourceReadiness{pending: pending, done: make(chan struct{})}
	if len(pending) == 0 {
		close(sr.done)
		sr.closed = true
	}
	return sr
}

func (sr *sourceReadiness) ack(peerID int) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.closed {
		return
	}
	delete(sr.pending, peerID)
	if len(sr.pending) == 0 {
		close(sr.done)
		sr.closed = true
	}
}

// New creates a memory-transfer layer for machineID, listening on addr for
// inbound peer connections and registration broadcasts.
func New(machineID int, addr string) (*Layer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("memxfer listen: %w", err)
	}
	l := &Layer{
		machineID:        machineID,
		listener:         ln,
		regions:          make(map[RegionID][]byte),
		peers:            make(map[int]*peerConn),
		remote:           make(map[int]map[RegionID]Descriptor),
		ready:            make(map[RegionID]*sourceReadiness),
		broadcastLimiter: rate.NewLimiter(rate.Limit(50), 10),
		broadcastSlots:   make(chan struct{}, maxOutstandingBroadcasts),
		logger:           log.WithMachineID(log.WithComponent("memxfer"), machineID),
	}
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listener's bound address.
func (l *Layer) Addr() string {
	return l.listener.Addr().String()
}

// Close shuts down the listener and every peer connection.
func (l *Layer) Close() error {
	l.peersMu.Lock()
	for _, p := range l.peers {
		p.close()
	}
	l.peersMu.Unlock()
	return l.listener.Close()
}

// RegisterDestination allocates and registers a local buffer of size bytes,
// as the decoder does before issuing remote reads into it.
func (l *Layer) RegisterDestination(id RegionID, size int) []byte {
	buf := make([]byte, size)
	l.mu.Lock()
	l.regions[id] = buf
	l.mu.Unlock()
	return buf
}

// RegisterSource registers data as a remotely readable region and
// asynchronously broadcasts its descriptor to every peer connected at this
// moment; the region becomes "globally ready" (see WaitSourceReady) once
// every one of those peers has acknowledged receipt. It returns immediately
// with the tentative region id. ErrBackpressure is returned without
// registering anything if maxOutstandingBroadcasts registrations are
// already broadcasting.
func (l *Layer) RegisterSource(ctx context.Context, id RegionID, data []byte) (RegionID, error) {
	select {
	case l.broadcastSlots <- struct{}{}:
	default:
		return 0, ErrBackpressure
	}

	l.mu.Lock()
	l.regions[id] = data
	l.mu.Unlock()

	l.peersMu.Lock()
	peers := make([]*peerConn, 0, len(l.peers))
	peerIDs := make([]int, 0, len(l.peers))
	for mid, p := range l.peers {
		peers = append(peers, p)
		peerIDs = append(peerIDs, mid)
	}
	l.peersMu.Unlock()

	sr := newSourceReadiness(peerIDs)
	l.readyMu.Lock()
	l.ready[id] = sr
	l.readyMu.Unlock()

	go func() {
		defer func() { <-l.broadcastSlots }()
		for _, p := range peers {
			if err := l.broadcastLimiter.Wait(ctx); err != nil {
				return
			}
			p.announce(l.machineID, id, len(data))
		}
	}()

	return id, nil
}

// ackSource marks peerID as having acknowledged regionID's broadcast.
func (l *Layer) ackSource(regionID RegionID, peerID int) {
	l.readyMu.Lock()
	sr, ok := l.ready[regionID]
	l.readyMu.Unlock()
	if ok {
		sr.ack(peerID)
	}
}

// IsSourceReady reports whether every peer present at broadcast time has
// acknowledged regionID. An unknown region (never registered as a source
// here) is reported not ready.
func (l *Layer) IsSourceReady(regionID RegionID) bool {
	l.readyMu.Lock()
	sr, ok := l.ready[regionID]
	l.readyMu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-sr.done:
		return true
	default:
		return false
	}
}

// WaitSourceReady blocks until regionID is globally ready or timeout
// elapses (0 = forever, bounded only by ctx). It returns true if readiness
// was observed before the deadline.
func (l *Layer) WaitSourceReady(ctx context.Context, regionID RegionID, timeout time.Duration) bool {
	l.readyMu.Lock()
	sr, ok := l.ready[regionID]
	l.readyMu.Unlock()
	if !ok {
		return false
	}

	if timeout <= 0 {
		select {
		case <-sr.done:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-sr.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// LookupLocal returns the descriptor for a region registered on this layer.
func (l *Layer) LookupLocal(id RegionID) (Descriptor, error) {
	l.mu.RLock()
	data, ok := l.regions[id]
	l.mu.RUnlock()
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return Descriptor{MachineID: l.machineID, RegionID: id, Length: len(data)}, nil
}

// LookupRemote returns the descriptor a peer's announce broadcast most
// recently reported for (machineID, id).
func (l *Layer) LookupRemote(machineID int, id RegionID) (Descriptor, error) {
	l.remoteMu.RLock()
	defer l.remoteMu.RUnlock()
	byRegion, ok := l.remote[machineID]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	d, ok := byRegion[id]
	if !ok {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

// ConnectPeer establishes (or reuses) the outbound connection to a peer
// machine, used lazily on the first read posted to it.
func (l *Layer) ConnectPeer(machineID int, addr string) error {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	if _, ok := l.peers[machineID]; ok {
		return nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("memxfer dial peer %d: %w", machineID, err)
	}
	p := newPeerConn(conn)
	p.layer = l
	l.peers[machineID] = p
	l.logger.Debug().Int("peer_machine_id", machineID).Str("addr", addr).Msg("connected memxfer peer")
	go p.readLoop()
	return nil
}

// PostRead queues a remote read against a connected peer. It is
// asynchronous: completion arrives via the peer's completion queue, FIFO
// with respect to every other read posted to the same peer, and bounded by
// maxPendingPerPeer in-flight requests (PostRead blocks until a slot frees
// rather than overrunning the queue).
func (l *Layer) PostRead(ctx context.Context, req ReadRequest) error {
	l.peersMu.Lock()
	p, ok := l.peers[req.MachineID]
	l.peersMu.Unlock()
	if !ok {
		return fmt.Errorf("memxfer: no connection to machine %d", req.MachineID)
	}
	return p.postRead(ctx, req)
}

// PollCompletion drains one completion for machineID, blocking until one
// arrives or ctx is done.
func (l *Layer) PollCompletion(ctx context.Context, machineID int) (Completion, error) {
	l.peersMu.Lock()
	p, ok := l.peers[machineID]
	l.peersMu.Unlock()
	if !ok {
		return Completion{}, fmt.Errorf("memxfer: no connection to machine %d", machineID)
	}
	select {
	case c := <-p.completions:
		return c, nil
	case <-ctx.Done():
		return Completion{}, ctx.Err()
	}
}

// Barrier drains exactly n completions for machineID, returning the first
// error encountered (if any), matching the delta/restore phases' "barrier
// when pending reaches a limit" discipline.
func (l *Layer) Barrier(ctx context.Context, machineID int, n int) error {
	var firstErr error
	for i := 0; i < n; i++ {
		c, err := l.PollCompletion(ctx, machineID)
		if err != nil {
			return err
		}
		if c.Err != nil && firstErr == nil {
			firstErr = c.Err
		}
	}
	return firstErr
}

func (l *Layer) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		go l.serveInbound(conn)
	}
}

// serveInbound answers read requests from a peer that connected to us,
// copying from our locally registered regions.
func (l *Layer) serveInbound(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return
		}
		switch env.Type {
		case msgReadRequest:
			l.mu.RLock()
			region := l.regions[env.RegionID]
			l.mu.RUnlock()
			resp := envelope{Type: msgReadResponse, ReqID: env.ReqID}
			if region == nil || uint64(len(region)) < env.Offset+uint64(env.Length) {
				resp.Status = 1
			} else {
				resp.Data = region[env.Offset : env.Offset+uint64(env.Length)]
			}
			b, _ := json.Marshal(resp)
			if err := writeFrame(conn, b); err != nil {
				return
			}
		case msgAnnounce:
			l.remoteMu.Lock()
			byRegion, ok := l.remote[env.MachineID]
			if !ok {
				byRegion = make(map[RegionID]Descriptor)
				l.remote[env.MachineID] = byRegion
			}
			byRegion[env.RegionID] = Descriptor{MachineID: env.MachineID, RegionID: env.RegionID, Length: env.Size}
			l.remoteMu.Unlock()

			ack := envelope{Type: msgAnnounceAck, RegionID: env.RegionID, MachineID: l.machineID}
			b, _ := json.Marshal(ack)
			if err := writeFrame(conn, b); err != nil {
				return
			}
		}
	}
}

const (
	msgReadRequest  = "read"
	msgReadResponse = "read_resp"
	msgAnnounce     = "announce"
	msgAnnounceAck  = "announce_ack"
)

type envelope struct {
	Type      string   `json:"type"`
	ReqID     uint64   `json:"req_id,omitempty"`
	RegionID  RegionID `json:"region_id,omitempty"`
	MachineID int      `json:"machine_id,omitempty"`
	Offset    uint64   `json:"offset,omitempty"`
	Length    uint32   `json:"length,omitempty"`
	Status    int      `json:"status,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Size      int      `json:"size,omitempty"`
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, data []byte) error {
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(data)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// orderedReq is one posted read awaiting its reply, queued so that
// completions are delivered to p.completions in the same order the reads
// were posted — per-peer FIFO is a hard invariant (see property 6 in the
// design notes), and Go's goroutine scheduler gives no such guarantee if
// each post's wait were left to race independently onto the completion
// channel.
type orderedReq struct {
	ctx     context.Context
	req     ReadRequest
	replyCh chan envelope
}

// peerConn is one outbound connection to a peer machine: a FIFO of posted
// reads, serialized by mu so requests land on the wire in post order, and a
// single ordering goroutine that drains replies in that same order onto the
// completion channel.
type peerConn struct {
	conn  net.Conn
	w     *bufio.Writer
	r     *bufio.Reader
	layer *Layer // owning layer, used to route announce_ack replies

	mu      sync.Mutex
	nextReq uint64
	inFlight chan struct{} // bounds concurrent posts to maxPendingPerPeer

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope

	order       chan orderedReq
	completions chan Completion
}

func newPeerConn(conn net.Conn) *peerConn {
	p := &peerConn{
		conn:        conn,
		w:           bufio.NewWriter(conn),
		r:           bufio.NewReader(conn),
		inFlight:    make(chan struct{}, maxPendingPerPeer),
		pending:     make(map[uint64]chan envelope),
		order:       make(chan orderedReq, maxPendingPerPeer),
		completions: make(chan Completion, maxPendingPerPeer),
	}
	go p.drainOrder()
	return p
}

// drainOrder processes posted reads strictly in post order: it blocks on
// each request's reply channel before moving to the next, so a completion
// for post N+1 can never reach p.completions before post N's does, even
// though the replies themselves may arrive on the wire out of step with
// goroutine scheduling.
func (p *peerConn) drainOrder() {
	for o := range p.order {
		var c Completion
		c.Context = o.req.Context
		select {
		case resp, ok := <-o.replyCh:
			if !ok {
				c.Err = fmt.Errorf("memxfer: connection closed while awaiting read")
			} else if resp.Status != 0 {
				c.Err = fmt.Errorf("memxfer: remote read failed for region %d", o.req.RemoteRegion)
			} else {
				n := copy(o.req.Dest, resp.Data)
				if n < len(o.req.Dest) {
					c.Err = fmt.Errorf("memxfer: short read %d/%d", n, len(o.req.Dest))
				}
			}
		case <-o.ctx.Done():
			c.Err = o.ctx.Err()
		}
		<-p.inFlight
		gometrics.SetGauge([]string{"memxfer", "read", "inflight"}, float32(len(p.inFlight)))
		if c.Err != nil {
			gometrics.IncrCounter([]string{"memxfer", "read", "failed"}, 1)
		} else {
			gometrics.IncrCounter([]string{"memxfer", "read", "completed"}, 1)
		}
		p.completions <- c
	}
}

func (p *peerConn) close() {
	p.conn.Close()
	close(p.order)
}

func (p *peerConn) announce(selfMachineID int, id RegionID, size int) {
	env := envelope{Type: msgAnnounce, RegionID: id, MachineID: selfMachineID, Size: size}
	b, _ := json.Marshal(env)
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = writeFrame(p.w, b)
	_ = p.w.Flush()
}

func (p *peerConn) postRead(ctx context.Context, req ReadRequest) error {
	select {
	case p.inFlight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	reqID := p.nextReq
	p.nextReq++
	env := envelope{
		Type:     msgReadRequest,
		ReqID:    reqID,
		RegionID: req.RemoteRegion,
		Offset:   req.RemoteAddr,
		Length:   req.Length,
	}
	replyCh := make(chan envelope, 1)
	p.pendingMu.Lock()
	p.pending[reqID] = replyCh
	p.pendingMu.Unlock()

	b, _ := json.Marshal(env)
	err := writeFrame(p.w, b)
	if err == nil {
		err = p.w.Flush()
	}
	p.mu.Unlock()

	if err != nil {
		<-p.inFlight
		p.pendingMu.Lock()
		delete(p.pending, reqID)
		p.pendingMu.Unlock()
		return fmt.Errorf("memxfer: post read: %w", err)
	}

	gometrics.IncrCounter([]string{"memxfer", "read", "posted"}, 1)
	gometrics.SetGauge([]string{"memxfer", "read", "inflight"}, float32(len(p.inFlight)))
	p.order <- orderedReq{ctx: ctx, req: req, replyCh: replyCh}
	return nil
}

func (p *peerConn) readLoop() {
	defer p.closePending()
	for {
		msg, err := readFrame(p.r)
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}
		if env.Type == msgAnnounceAck {
			if p.layer != nil {
				p.layer.ackSource(env.RegionID, env.MachineID)
			}
			continue
		}
		if env.Type != msgReadResponse {
			continue
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[env.ReqID]
		if ok {
			delete(p.pending, env.ReqID)
		}
		p.pendingMu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// closePending unblocks any drainOrder goroutine still waiting on a reply
// that will never arrive because the connection died.
func (p *peerConn) closePending() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}
