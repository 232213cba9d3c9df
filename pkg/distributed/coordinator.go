// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements the process group used for data-parallel training: one process per
// accelerator, all running the same steps in lock-step.
//
// The group is a star: rank 0 (the authority) listens on the endpoint and every other rank connects
// to it. Collectives (all-reduce, broadcast, barrier) go through rank 0. With a world size of 1 no
// network is used and every collective is the identity.
package distributed

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/internal/tensorcodec"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// DefaultEndpoint used when none is configured.
const DefaultEndpoint = "tcp://localhost:54321"

// DialRetryPeriod is the time between connection attempts of non-authority ranks.
var DialRetryPeriod = 200 * time.Millisecond

// IsAuthority returns whether the given rank is responsible for side effects: checkpoints, logs,
// summaries and validation.
func IsAuthority(rank int) bool {
	return rank == 0
}

// Coordinator is a member of the process group.
type Coordinator struct {
	rank, worldSize int
	memberID        string

	listener net.Listener
	// peers: for rank 0 indexed by rank (peers[0] is nil); for other ranks a single connection to rank 0.
	peers []*peer

	// mu serializes collectives: they must be issued in the same order by all ranks.
	mu sync.Mutex

	// closed is set once by Close. Closing doesn't take mu, so it unblocks an in-flight collective.
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type peer struct {
	rank     int
	memberID string
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
}

func (p *peer) send(msg []byte) error {
	if err := tensorcodec.WriteFrame(p.w, msg); err != nil {
		return err
	}
	return errors.Wrapf(p.w.Flush(), "flushing message to rank %d", p.rank)
}

func (p *peer) receive() ([]byte, error) {
	msg, err := tensorcodec.ReadFrame(p.r)
	return msg, errors.WithMessagef(err, "receiving from rank %d", p.rank)
}

// Init joins the process group. It blocks until all worldSize ranks have joined, or ctx is done.
//
// Rank 0 listens on endpoint ("tcp://host:port" or "host:port"), the other ranks connect to it,
// retrying until ctx expires. A world size of 1 doesn't use the network.
//
// Any failure is returned as an error: there is no fallback to single-process training.
func Init(ctx context.Context, rank, worldSize int, endpoint string) (*Coordinator, error) {
	if worldSize < 1 {
		return nil, errors.Errorf("invalid world size %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("invalid rank %d for world size %d", rank, worldSize)
	}
	c := &Coordinator{rank: rank, worldSize: worldSize, memberID: uuid.NewString()}
	if worldSize == 1 {
		return c, nil
	}
	address := strings.TrimPrefix(endpoint, "tcp://")
	if IsAuthority(rank) {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", address)
		if err != nil {
			return nil, errors.Wrapf(err, "rank 0 failed to listen on %q", address)
		}
		if err = c.acceptAll(ctx, ln); err != nil {
			_ = ln.Close()
			return nil, err
		}
		return c, nil
	}
	if err := c.dial(ctx, address); err != nil {
		return nil, err
	}
	return c, nil
}

// Rank of this process.
func (c *Coordinator) Rank() int { return c.rank }

// WorldSize is the number of processes in the group.
func (c *Coordinator) WorldSize() int { return c.worldSize }

// MemberID is a unique id of this process, exchanged when joining.
func (c *Coordinator) MemberID() string { return c.memberID }

// IsAuthority returns whether this process is rank 0.
func (c *Coordinator) IsAuthority() bool { return IsAuthority(c.rank) }

// String implements fmt.Stringer.
func (c *Coordinator) String() string {
	return fmt.Sprintf("distributed.Coordinator(rank=%d/%d, id=%s)", c.rank, c.worldSize, c.memberID)
}

const (
	fieldHelloRank      protowire.Number = 1
	fieldHelloWorldSize protowire.Number = 2
	fieldHelloMemberID  protowire.Number = 3
)

type hello struct {
	rank, worldSize int
	memberID        string
}

func (h hello) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHelloRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.rank))
	b = protowire.AppendTag(b, fieldHelloWorldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.worldSize))
	b = protowire.AppendTag(b, fieldHelloMemberID, protowire.BytesType)
	b = protowire.AppendString(b, h.memberID)
	return b
}

func decodeHello(b []byte) (h hello, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldHelloRank && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			h.rank = int(v)
		case num == fieldHelloWorldSize && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			h.worldSize = int(v)
		case num == fieldHelloMemberID && typ == protowire.BytesType:
			h.memberID, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return h, nil
}

// acceptAll is run by rank 0: it accepts connections until all other ranks said hello.
func (c *Coordinator) acceptAll(ctx context.Context, ln net.Listener) error {
	c.listener = ln
	c.peers = make([]*peer, c.worldSize)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	klog.Infof("rank 0 waiting for %d ranks on %s", c.worldSize-1, ln.Addr())

	joined := 0
	for joined < c.worldSize-1 {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "waiting for ranks to join (%d of %d joined)", joined, c.worldSize-1)
			}
			return errors.Wrap(err, "accepting connection")
		}
		p := newPeer(conn)
		endHandshake := handshakeDeadline(ctx, conn)
		msg, err := p.receive()
		if err != nil {
			_ = conn.Close()
			if ctx.Err() != nil {
				return errors.Wrapf(ctx.Err(), "waiting for hello from %s (%d of %d joined)", conn.RemoteAddr(), joined, c.worldSize-1)
			}
			return err
		}
		h, err := decodeHello(msg)
		if err != nil {
			_ = conn.Close()
			return errors.Wrapf(err, "parsing hello from %s", conn.RemoteAddr())
		}
		if h.worldSize != c.worldSize {
			_ = conn.Close()
			return errors.Errorf("rank %d joined with world size %d, expected %d", h.rank, h.worldSize, c.worldSize)
		}
		if h.rank <= 0 || h.rank >= c.worldSize || c.peers[h.rank] != nil {
			_ = conn.Close()
			return errors.Errorf("rank %d (member %s) can't join: invalid or duplicate rank", h.rank, h.memberID)
		}
		p.rank, p.memberID = h.rank, h.memberID
		if err = p.send(hello{rank: c.rank, worldSize: c.worldSize, memberID: c.memberID}.encode()); err != nil {
			_ = conn.Close()
			return err
		}
		if err = endHandshake(); err != nil {
			_ = conn.Close()
			return err
		}
		c.peers[h.rank] = p
		joined++
		klog.V(1).Infof("rank %d joined (member %s)", h.rank, h.memberID)
	}
	return nil
}

// dial is run by ranks > 0: it connects to rank 0, retrying until ctx is done.
func (c *Coordinator) dial(ctx context.Context, address string) error {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			p := newPeer(conn)
			p.rank = 0
			endHandshake := handshakeDeadline(ctx, conn)
			if err = p.send(hello{rank: c.rank, worldSize: c.worldSize, memberID: c.memberID}.encode()); err != nil {
				_ = conn.Close()
				return err
			}
			msg, err := p.receive()
			if err != nil {
				_ = conn.Close()
				return err
			}
			h, err := decodeHello(msg)
			if err != nil {
				_ = conn.Close()
				return errors.Wrap(err, "parsing hello from rank 0")
			}
			if err = endHandshake(); err != nil {
				_ = conn.Close()
				return err
			}
			p.memberID = h.memberID
			c.peers = []*peer{p}
			klog.V(1).Infof("rank %d joined group of rank 0 (member %s)", c.rank, h.memberID)
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "rank %d failed to connect to %q before deadline", c.rank, address)
		case <-time.After(DialRetryPeriod):
		}
	}
}

// handshakeDeadline bounds the hello exchange on conn by ctx: its deadline, and its cancellation.
// The returned function clears the deadline once the handshake is over.
func handshakeDeadline(ctx context.Context, conn net.Conn) (end func() error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	return func() error {
		if !stop() {
			return errors.Wrap(ctx.Err(), "process group handshake interrupted")
		}
		return errors.Wrap(conn.SetDeadline(time.Time{}), "clearing handshake deadline")
	}
}

// workers returns the connections to the other ranks, as seen by rank 0.
func (c *Coordinator) workers() []*peer {
	return slices.DeleteFunc(slices.Clone(c.peers), func(p *peer) bool { return p == nil })
}

// Close the connections of the group. It can be called concurrently with a collective, which then
// fails. Subsequent calls return the result of the first one.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.closeConns()
	})
	return c.closeErr
}

// abort closes the group after a failed collective, so that ranks blocked waiting for rank 0 fail
// instead of hanging.
func (c *Coordinator) abort() {
	klog.Errorf("%s: aborting process group", c)
	_ = c.Close()
}

// closeConns closes the connections and the listener. Peers are never removed, so it is safe to
// run while a collective holds mu.
func (c *Coordinator) closeConns() error {
	var firstErr error
	for _, p := range c.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
