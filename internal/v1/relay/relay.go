// Package relay receives chat datagrams on the unreliable channel,
// authenticates them against the registry, and fans them out to the sender's
// co-members. It also hosts the reaper, which shares the same socket for
// eviction and farewell notices.
package relay

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hiroba-chat/broker/internal/v1/logging"
	"github.com/hiroba-chat/broker/internal/v1/metrics"
	"github.com/hiroba-chat/broker/internal/v1/protocol"
	"github.com/hiroba-chat/broker/internal/v1/registry"
	"github.com/hiroba-chat/broker/internal/v1/types"
)

// System messages delivered to room members. The deployed clients render
// these verbatim.
const (
	roomClosedMessage = "チャットルームが閉じられました"
	evictedMessage    = "しばらく発言しなかったので、チャットルームから退出させました"
)

// exitCommand collapses the room when sent by its host.
const exitCommand = "/exit"

// Relay owns the datagram socket and the receive-authenticate-broadcast loop.
type Relay struct {
	addr     string
	registry *registry.Registry

	mu   sync.Mutex
	conn *net.UDPConn
}

// New creates a relay bound to nothing yet; Run binds the socket.
func New(addr string, reg *registry.Registry) *Relay {
	return &Relay{addr: addr, registry: reg}
}

// Run binds the datagram socket and serves until the context is canceled.
// All sends for one inbound message are issued before the next receive.
func (r *Relay) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", r.addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	logging.Info(ctx, "Relay listening", zap.String("addr", conn.LocalAddr().String()))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logging.Info(ctx, "Relay stopped")
				return nil
			}
			logging.Warn(ctx, "Datagram read failed", zap.Error(err))
			continue
		}

		r.handleDatagram(ctx, buf[:n], src)
	}
}

// handleDatagram decodes, authenticates and broadcasts one inbound datagram.
// Every failure is a silent discard; the sender gets no response either way.
func (r *Relay) handleDatagram(ctx context.Context, data []byte, src *net.UDPAddr) {
	dgram, err := protocol.DecodeDatagram(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrShortDatagram) {
			logging.Debug(ctx, "Discarding malformed datagram",
				zap.String("src", src.String()), zap.Error(err))
		}
		metrics.DatagramsDropped.WithLabelValues("malformed").Inc()
		return
	}

	room := types.RoomName(dgram.RoomName)
	token := types.Token(dgram.Token)

	route, err := r.registry.LookupForDatagram(room, token, src.IP.String())
	if err != nil {
		metrics.DatagramsDropped.WithLabelValues("unauthorized").Inc()
		return
	}

	r.sendToAll(ctx, route.Recipients, string(route.Username)+": "+dgram.Message)
	metrics.DatagramsRelayed.Inc()

	if route.IsHost && strings.ToLower(strings.TrimSpace(dgram.Message)) == exitCommand {
		r.closeRoom(ctx, room)
	}
}

// closeRoom tears the room down, notifying every member from the snapshot
// taken at removal.
func (r *Relay) closeRoom(ctx context.Context, room types.RoomName) {
	removed := r.registry.CloseRoom(room)
	if removed == nil {
		return
	}

	for _, ev := range removed {
		r.send(ctx, ev.Member, roomClosedMessage)
	}

	logging.Info(ctx, "Room closed by host",
		zap.String("room", string(room)), zap.Int("members", len(removed)))
}

// Announce sends a system message to every addressable member of a room.
// Used by the handshake for join announcements.
func (r *Relay) Announce(room types.RoomName, message string) {
	r.sendToAll(context.Background(), r.registry.AnnounceTargets(room), message)
}

// sendToAll delivers one message to each recipient. A failed send is logged
// and the remaining recipients are still attempted.
func (r *Relay) sendToAll(ctx context.Context, recipients []types.Member, message string) {
	if len(recipients) == 0 {
		return
	}
	payload := []byte(message)
	for _, m := range recipients {
		r.sendBytes(ctx, m, payload)
	}
}

func (r *Relay) send(ctx context.Context, m types.Member, message string) {
	r.sendBytes(ctx, m, []byte(message))
}

func (r *Relay) sendBytes(ctx context.Context, m types.Member, payload []byte) {
	if !m.Addressable() {
		return
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}

	dst := &net.UDPAddr{IP: net.ParseIP(m.IP), Port: int(m.ReturnPort)}
	if _, err := conn.WriteToUDP(payload, dst); err != nil {
		metrics.SendErrors.Inc()
		logging.Warn(ctx, "Datagram send failed",
			zap.String("dst", dst.String()), zap.Error(err))
	}
}

// Addr returns the bound socket address, or empty before Run has bound it.
// The ops readiness probe reports it.
func (r *Relay) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}
