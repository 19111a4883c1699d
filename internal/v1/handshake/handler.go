// Package handshake carries clients through the three-frame
// REQUEST/ACKNOWLEDGE/COMPLETE exchange on the reliable channel and records
// the datagram return port they announce afterwards. Each accepted connection
// is handled by its own goroutine and used for nothing but the handshake.
package handshake

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hiroba-chat/broker/internal/v1/logging"
	"github.com/hiroba-chat/broker/internal/v1/metrics"
	"github.com/hiroba-chat/broker/internal/v1/protocol"
	"github.com/hiroba-chat/broker/internal/v1/registry"
	"github.com/hiroba-chat/broker/internal/v1/types"
)

// joinedSuffix is the system message broadcast when a member joins.
const joinedSuffix = " がチャットルームに参加しました"

// Handler executes the handshake for one accepted connection.
type Handler struct {
	registry  *registry.Registry
	announcer types.Broadcaster

	timeout    time.Duration
	maxPayload int

	tracer trace.Tracer
}

// NewHandler wires a handler to the registry and the broadcaster used for
// join announcements.
func NewHandler(reg *registry.Registry, announcer types.Broadcaster, timeout time.Duration, maxPayload int) *Handler {
	return &Handler{
		registry:   reg,
		announcer:  announcer,
		timeout:    timeout,
		maxPayload: maxPayload,
		tracer:     otel.Tracer("broker/handshake"),
	}
}

// Handle runs the full handshake on conn and always closes it.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	ctx = context.WithValue(ctx, logging.RemoteAddrKey, conn.RemoteAddr().String())
	ctx, span := h.tracer.Start(ctx, "handshake")
	defer span.End()

	// The whole exchange, including the trailing port read, shares one
	// deadline so an unresponsive client cannot pin the goroutine.
	if err := conn.SetDeadline(time.Now().Add(h.timeout)); err != nil {
		logging.Warn(ctx, "Failed to set handshake deadline", zap.Error(err))
	}

	frame, err := protocol.ReadFrame(conn, h.maxPayload)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues(failureReason(err)).Inc()
		logging.Warn(ctx, "Failed to read request frame", zap.Error(err))
		return
	}

	ctx = context.WithValue(ctx, logging.RoomKey, frame.RoomName)
	span.SetAttributes(
		attribute.String("operation", frame.Operation.String()),
		attribute.String("room", frame.RoomName),
	)

	if frame.State != protocol.StateRequest ||
		(frame.Operation != protocol.OpCreateRoom && frame.Operation != protocol.OpJoinRoom) {
		metrics.HandshakeFailures.WithLabelValues("invalid_state").Inc()
		logging.Warn(ctx, "Dropping frame in invalid state",
			zap.Uint8("operation", uint8(frame.Operation)),
			zap.Uint8("state", uint8(frame.State)),
		)
		return
	}

	sourceIP := remoteIP(conn)

	creds, err := protocol.ParseCredentials(frame.Payload)
	if err != nil {
		// Wire compatibility: a malformed credential payload is answered
		// like a wrong password.
		logging.Warn(ctx, "Failed to parse credentials", zap.Error(err))
		h.writeAck(ctx, conn, frame, protocol.StatusInvalidPassword)
		metrics.Handshakes.WithLabelValues(frame.Operation.String(), protocol.StatusInvalidPassword.String()).Inc()
		return
	}
	ctx = context.WithValue(ctx, logging.UsernameKey, creds.Username)

	var token types.Token
	switch frame.Operation {
	case protocol.OpCreateRoom:
		token, err = h.registry.CreateRoom(types.RoomName(frame.RoomName), types.Username(creds.Username), creds.Password, sourceIP)
	case protocol.OpJoinRoom:
		token, err = h.registry.JoinRoom(types.RoomName(frame.RoomName), types.Username(creds.Username), creds.Password, sourceIP)
	}

	status, fatal := statusFor(err)
	if fatal {
		metrics.HandshakeFailures.WithLabelValues("internal").Inc()
		logging.Error(ctx, "Registry rejected handshake", zap.Error(err))
		return
	}

	span.SetAttributes(attribute.String("status", status.String()))
	metrics.Handshakes.WithLabelValues(frame.Operation.String(), status.String()).Inc()

	if !h.writeAck(ctx, conn, frame, status) || status != protocol.StatusSuccess {
		return
	}

	complete, err := protocol.EncodeComplete(frame.Operation, frame.RoomName, string(token))
	if err != nil {
		logging.Error(ctx, "Failed to encode COMPLETE frame", zap.Error(err))
		return
	}
	if _, err := conn.Write(complete); err != nil {
		logging.Warn(ctx, "Failed to write COMPLETE frame", zap.Error(err))
		return
	}

	if frame.Operation == protocol.OpJoinRoom {
		logging.Info(ctx, "Member joined room")
		h.announcer.Announce(types.RoomName(frame.RoomName), creds.Username+joinedSuffix)
	} else {
		logging.Info(ctx, "Room created")
	}

	// The client announces the datagram port it will receive on. If this
	// read fails the member stays port-less until the reaper reclaims it.
	var portBytes [2]byte
	if _, err := io.ReadFull(conn, portBytes[:]); err != nil {
		metrics.HandshakeFailures.WithLabelValues("port_read").Inc()
		logging.Warn(ctx, "Failed to read return port", zap.Error(err))
		return
	}
	port := uint16(portBytes[0])<<8 | uint16(portBytes[1])

	if err := h.registry.BindReturnPort(token, port); err != nil {
		// The room can legitimately be gone already (host exit, reaper).
		logging.Warn(ctx, "Failed to bind return port", zap.Error(err))
		return
	}

	logging.Info(ctx, "Return port bound", zap.Uint16("port", port))
}

// writeAck sends the ACKNOWLEDGE frame; returns false when the connection is
// no longer usable.
func (h *Handler) writeAck(ctx context.Context, conn net.Conn, frame *protocol.Frame, status protocol.Status) bool {
	ack, err := protocol.EncodeAck(frame.Operation, frame.RoomName, status)
	if err != nil {
		logging.Error(ctx, "Failed to encode ACK frame", zap.Error(err))
		return false
	}
	if _, err := conn.Write(ack); err != nil {
		logging.Warn(ctx, "Failed to write ACK frame", zap.Error(err))
		return false
	}
	return true
}

// statusFor maps registry errors onto wire status codes. fatal marks errors
// that have no protocol expression and abort the handshake instead.
func statusFor(err error) (status protocol.Status, fatal bool) {
	switch {
	case err == nil:
		return protocol.StatusSuccess, false
	case errors.Is(err, registry.ErrRoomExists):
		return protocol.StatusRoomExists, false
	case errors.Is(err, registry.ErrRoomNotFound):
		return protocol.StatusRoomNotFound, false
	case errors.Is(err, registry.ErrInvalidPassword):
		return protocol.StatusInvalidPassword, false
	default:
		return 0, true
	}
}

// failureReason labels read errors for the failure counter.
func failureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "payload_too_large"
	default:
		return "malformed"
	}
}

// remoteIP extracts the IP half of the connection's remote address.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
