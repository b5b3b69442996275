// Package session implements the per-connection state machine: origin and
// IP-rate gating, the handshake window, the admitted message loop, and
// disconnect cleanup.
package session

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/odinvoxel/worldserver/internal/logging"
	"github.com/odinvoxel/worldserver/internal/protocol"
)

// Connection states.
const (
	StateGate int32 = iota
	StateAwaitingHandshake
	StateAdmitted
	StateClosed
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 20 * time.Second
	sendBuffer = 32

	// maxSendFailures mirrors the teacher's 3-strike slow-client policy.
	maxSendFailures = 3
)

// Conn wraps one upgraded websocket connection. It implements
// internal/world.Conn (Send/Close) and owns the write pump; the caller
// (Handler) owns the read loop and the state transitions.
type Conn struct {
	raw    net.Conn
	logger zerolog.Logger

	state int32 // atomic, one of the State* constants

	send          chan []byte
	sendFailures  int32 // atomic
	closeOnce     sync.Once
	lastActivity  int64 // atomic, unix nanos
	remoteAddr    string
}

func newConn(raw net.Conn, logger zerolog.Logger) *Conn {
	c := &Conn{
		raw:        raw,
		logger:     logger,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: raw.RemoteAddr().String(),
	}
	c.touch()
	return c
}

func (c *Conn) touch() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

func (c *Conn) idleFor() time.Duration {
	last := atomic.LoadInt64(&c.lastActivity)
	return time.Since(time.Unix(0, last))
}

func (c *Conn) loadState() int32 { return atomic.LoadInt32(&c.state) }
func (c *Conn) casState(from, to int32) bool {
	return atomic.CompareAndSwapInt32(&c.state, from, to)
}
func (c *Conn) setState(to int32) { atomic.StoreInt32(&c.state, to) }

// Send marshals frame as JSON and enqueues it for the write pump. A full
// send buffer counts as a failed attempt; after maxSendFailures consecutive
// failures the connection is force-closed, mirroring the slow-client
// disconnect policy.
func (c *Conn) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendFailures, 0)
		return nil
	default:
		attempts := atomic.AddInt32(&c.sendFailures, 1)
		c.logger.Warn().Str("remote_addr", c.remoteAddr).Int32("attempts", attempts).Msg("send buffer full")
		if attempts >= maxSendFailures {
			_ = c.Close(protocol.CloseRateLimited, "client too slow")
		}
		return nil
	}
}

// Close closes the underlying connection with the given websocket close
// code, idempotently.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, StateClosed)
		err = closeRaw(c.raw, code, reason)
	})
	return err
}

// closeRaw writes one websocket close frame with the given code/reason
// and closes raw. Used for Gate-level rejections (origin, per-IP rate
// limit) where the upgrade has just completed and no Conn/state machine
// has been constructed yet, per the distinct close codes the Gate
// requires (protocol.CloseInvalidOrigin, protocol.CloseRateLimited).
func closeRaw(raw net.Conn, code int, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = wsutil.WriteServerMessage(raw, ws.OpClose, body)
	return raw.Close()
}

// writePump drains the send channel to the socket, batching whatever has
// queued up since the last flush, and pings on an idle timer.
func (c *Conn) writePump() {
	defer logging.RecoverPanic(c.logger, "session.writePump", nil)
	writer := bufio.NewWriter(c.raw)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close(protocol.CloseGoingAway, "write pump stopped")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				msg = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, msg); err != nil {
					return
				}
			}
			if err := writer.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			c.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.raw, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
