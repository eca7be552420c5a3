package transport

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/fenwick/mqttbroker/internal/auth"
	"github.com/fenwick/mqttbroker/internal/broker"
	"github.com/fenwick/mqttbroker/internal/config"
	"github.com/fenwick/mqttbroker/internal/logger"
	pkt "github.com/fenwick/mqttbroker/internal/packet"
	"github.com/fenwick/mqttbroker/pkg/er"
)

type TCPServer struct {
	addr                     string
	listener                 net.Listener
	broker                   *broker.Broker
	isShuttingdown           atomic.Bool
	maxConnections           int
	currentConnections       atomic.Int32
	authStore                *auth.Store
	keepAliveGraceMultiplier float64
	log                      *logger.Logger
}

// New creates a new TCPServer instance from cfg. db is passed to both
// the auth store and the broker's session store; it may be nil, which
// disables session persistence and username/password authentication
// alike.
func New(cfg *config.Config, db *sql.DB) (*TCPServer, error) {
	b, err := broker.New(db, cfg.Broker.RetransmitTimeout(), cfg.Broker.MaxRetries, cfg.Broker.MaxInflightPerSession)
	if err != nil {
		return nil, fmt.Errorf("broker init: %w", err)
	}

	var authStore *auth.Store
	if db != nil {
		authStore = auth.NewStore(db)
	}

	return &TCPServer{
		addr:                     cfg.Server.Port,
		broker:                   b,
		maxConnections:           cfg.Server.MaxConnections,
		authStore:                authStore,
		keepAliveGraceMultiplier: cfg.Broker.KeepAliveGraceMultiplier,
		log:                      logger.NewMQTTLogger("transport"),
	}, nil
}

// Start begins accepting TCP connections
func (srv *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", srv.addr))
	if err != nil {
		return err
	}
	srv.listener = listener
	go srv.accept(ctx)
	return nil
}

// Stop shuts down the listener gracefully
func (srv *TCPServer) Stop() error {
	srv.isShuttingdown.Store(true)
	if srv.listener != nil {
		return srv.listener.Close()
	}
	return nil
}

func (srv *TCPServer) accept(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			srv.log.Info("shutting down accept loop")
			return
		default:
			conn, err := srv.listener.Accept()
			if err != nil {
				if srv.isShuttingdown.Load() {
					return
				}
				srv.log.LogError(err, "accept error")
				continue
			}
			go srv.handleConnection(conn)
		}
	}
}

// checkServerAvailability reports a reason the server cannot accept a
// new connection, or "" if it can.
func (srv *TCPServer) checkServerAvailability() string {
	if srv.isShuttingdown.Load() {
		return "server is shutting down"
	}
	if srv.currentConnections.Load() >= int32(srv.maxConnections) {
		return "maximum connections exceeded"
	}
	return ""
}

// readPacket reads one complete MQTT frame: the fixed header byte, its
// variable-length remaining-length field, and exactly that many bytes
// of variable header and payload.
func readPacket(reader *bufio.Reader) ([]byte, error) {
	fixedHeaderByte, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	remLenBuf := make([]byte, 4)
	remLenOffset := 0
	remainingLength := 0
	multiplier := 1

	for {
		if remLenOffset >= len(remLenBuf) {
			return nil, &er.Err{Context: "readPacket", Message: er.ErrRemainingLengthExceeded}
		}
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		remLenBuf[remLenOffset] = b
		remLenOffset++
		remainingLength += int(b&0x7F) * multiplier
		multiplier *= 128
		if (b & 0x80) == 0 {
			break
		}
	}

	totalPacketSize := 1 + remLenOffset + remainingLength
	rawPacket := make([]byte, totalPacketSize)
	rawPacket[0] = fixedHeaderByte
	copy(rawPacket[1:1+remLenOffset], remLenBuf[:remLenOffset])

	if _, err := io.ReadFull(reader, rawPacket[1+remLenOffset:]); err != nil {
		return nil, err
	}
	return rawPacket, nil
}

func (srv *TCPServer) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	defer func() {
		conn.Close()
		srv.currentConnections.Add(-1)
		srv.log.LogClientConnection("", remoteAddr, "closed")
	}()

	if reason := srv.checkServerAvailability(); reason != "" {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
		srv.log.Warn("rejected connection", logger.String("reason", reason), logger.String("remote_addr", remoteAddr))
		return
	}

	srv.currentConnections.Add(1)
	srv.log.LogClientConnection("", remoteAddr, "accepted", logger.Int("current_connections", int(srv.currentConnections.Load())))

	reader := bufio.NewReader(conn)

	rawPacket, err := readPacket(reader)
	if err != nil {
		return
	}
	parsed, err := pkt.Parse(rawPacket)
	if err != nil || !parsed.IsConnect() {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.UnacceptableProtocolVersion))
		return
	}

	connectPacket := parsed.GetConnect()
	if connectPacket == nil {
		srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.ServerUnavailable))
		return
	}

	if connectPacket.UsernameFlag && connectPacket.PasswordFlag && srv.authStore != nil {
		if err := srv.authStore.Authenticate(*connectPacket.Username, *connectPacket.Password); err != nil {
			srv.log.LogAuth(connectPacket.ClientID, *connectPacket.Username, false, err.Error())
			srv.sendAndClose(conn, pkt.NewConnAck(false, pkt.BadUsernameOrPassword))
			return
		}
		srv.log.LogAuth(connectPacket.ClientID, *connectPacket.Username, true, "")
	}

	// Connect registers a fresh connectionId, superseding any earlier one
	// for this clientId, and closes the earlier connection's socket; the
	// displaced connection's read loop then fails, and its teardown finds
	// via Registry.Owns that it no longer owns the session.
	sess, sessionPresent, connectionID, _ := srv.broker.Dispatcher.Connect(conn, connectPacket)

	if _, err := conn.Write(pkt.NewConnAck(sessionPresent, pkt.ConnectionAccepted)); err != nil {
		srv.broker.Dispatcher.Disconnect(sess, connectionID, false)
		return
	}

	stopRetries := make(chan struct{})
	go srv.broker.Dispatcher.RunOutbound(sess, connectionID, conn)
	go srv.broker.Dispatcher.RunRetries(sess, connectionID, conn, stopRetries)
	defer close(stopRetries)

	keepAliveTimeout := time.Duration(float64(connectPacket.KeepAlive)*srv.keepAliveGraceMultiplier) * time.Second

	graceful := false
	for {
		if keepAliveTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(keepAliveTimeout))
		}

		rawPacket, err := readPacket(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				srv.log.LogError(err, "read error", logger.ClientID(connectPacket.ClientID))
			}
			break
		}

		parsed, err := pkt.Parse(rawPacket)
		if err != nil {
			srv.log.LogError(err, "parse error", logger.ClientID(connectPacket.ClientID))
			break
		}

		if parsed.IsConnect() {
			// MQTT 3.1.1: a second CONNECT on an already-established
			// connection is a protocol violation.
			break
		}

		responses, fatal := srv.broker.Dispatcher.Handle(sess, connectionID, parsed)
		for _, resp := range responses {
			if _, err := conn.Write(resp.Bytes); err != nil {
				srv.log.LogError(err, "write error", logger.ClientID(connectPacket.ClientID))
				break
			}
		}

		if parsed.Type == pkt.DISCONNECT {
			graceful = true
			break
		}
		if fatal {
			break
		}
	}

	// Only close the inflight queue if this connection is still the
	// session's current owner: sess.Inflight is shared across
	// reconnects of the same durable session, and a displaced
	// connection's teardown must not sever the connection that
	// superseded it.
	if srv.broker.Dispatcher.Owns(sess, connectionID) {
		sess.Inflight.Close()
	}
	srv.broker.Dispatcher.Disconnect(sess, connectionID, graceful)
}

// sendAndClose sends an ACK (usually CONNACK) and closes the connection
func (srv *TCPServer) sendAndClose(conn net.Conn, ack []byte) {
	if len(ack) > 0 {
		if _, err := conn.Write(ack); err != nil {
			srv.log.LogError(err, "error sending ack")
		}
	}
	conn.Close()
}
