package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"workyard.ai/internal/protocol"
	"workyard.ai/internal/sim/registry"
	"workyard.ai/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	commandTimeout   = 2 * time.Second
	outQueue         = 4096
)

type Server struct {
	world *world.World
	log   *slog.Logger

	// AllowRemote disables the loopback guard.
	AllowRemote bool

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	sessions atomic.Int64
}

func NewServer(w *world.World, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Sessions is the number of connected observers.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

// Register mounts the bootstrap and websocket handlers on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/v1/ws", s.WSHandler())
}

func (s *Server) allowed(r *http.Request) bool {
	return s.AllowRemote || IsLoopbackRemote(r.RemoteAddr)
}

func (s *Server) bootstrap(history int) protocol.BootstrapResponse {
	reg := s.world.Registry()
	cats := s.world.Catalogs()
	cfg := s.world.Tuning()
	m := s.world.Metrics()

	resp := protocol.BootstrapResponse{
		ProtocolVersion: protocol.Version,
		WorldID:         s.world.ID(),
		Now:             m.NowMS,
		World: protocol.WorldParams{
			Width:         cats.World.Width,
			Height:        cats.World.Height,
			SpawnRegion:   cats.World.SpawnRegion,
			PopulationCap: cfg.World.PopulationCap,
			TickMS:        cfg.Timers.Tick.Milliseconds(),
			Seed:          cfg.World.Seed,
		},
		Regions:       cats.Regions.List,
		Workers:       reg.Workers(),
		Stats:         reg.Stats(),
		StatusLines:   reg.StatusLines(),
		CatalogDigest: cats.Digest,
	}
	if history > 0 {
		evs := reg.Events()
		if len(evs) > history {
			evs = evs[:history]
		}
		resp.Events = evs
	}
	return resp
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.bootstrap(registry.MaxEvents))
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, err := protocol.DecodeSubscribe(msg)
		if err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, protocol.Code(err))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		log := s.log.With("session", sid)
		log.Info("observer connected", "remote", r.RemoteAddr)
		defer log.Info("observer disconnected")

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Subscribe before the initial state goes out so nothing is missed;
		// a change may then arrive twice, which WORKER messages tolerate.
		out := make(chan []byte, outQueue)
		var overflow atomic.Bool
		rsub := s.world.Registry().Subscribe(func(c registry.Change) {
			b, ok := encodeChange(c)
			if !ok {
				return
			}
			select {
			case out <- b:
			default:
				if overflow.CompareAndSwap(false, true) {
					cancel()
				}
			}
		})
		defer rsub.Cancel()

		if err := s.sendInitial(conn, sub.History); err != nil {
			return
		}

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: commands.
		go func() {
			<-ctx.Done()
			// Unblock ReadMessage when the writer or the feed gives up.
			_ = conn.SetReadDeadline(time.Now())
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handleCommand(ctx, msg)
			if reply == nil {
				continue
			}
			select {
			case out <- reply:
			case <-ctx.Done():
			}
		}

		if overflow.Load() {
			log.Warn("observer too slow, dropping")
			closeWith(conn, websocket.CloseTryAgainLater, "slow consumer")
		} else {
			closeWith(conn, websocket.CloseNormalClosure, "bye")
		}
		cancel()

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// sendInitial writes the current workers, stats, the latest status line and
// up to history recent events (oldest first).
func (s *Server) sendInitial(conn *websocket.Conn, history int) error {
	boot := s.bootstrap(history)
	var msgs []any
	for _, w := range boot.Workers {
		msgs = append(msgs, protocol.WorkerMsg{Type: protocol.TypeWorker, ProtocolVersion: protocol.Version, Worker: w})
	}
	msgs = append(msgs, protocol.StatsMsg{Type: protocol.TypeStats, ProtocolVersion: protocol.Version, Stats: boot.Stats})
	if len(boot.StatusLines) > 0 {
		msgs = append(msgs, protocol.StatusMsg{Type: protocol.TypeStatus, ProtocolVersion: protocol.Version, Line: boot.StatusLines[0]})
	}
	for i := len(boot.Events) - 1; i >= 0; i-- {
		msgs = append(msgs, protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: boot.Events[i]})
	}
	for _, m := range msgs {
		if err := writeJSON(conn, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCommand(ctx context.Context, msg []byte) []byte {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return errorMsg(protocol.ErrProtoBadRequest, "malformed json")
	}
	switch base.Type {
	case protocol.TypeReassign:
		req, err := protocol.DecodeReassign(msg)
		if err != nil {
			return mustJSON(protocol.ReassignResultMsg{
				Type:            protocol.TypeReassignResult,
				ProtocolVersion: protocol.Version,
				ReqID:           req.ReqID,
				Code:            protocol.Code(err),
				Message:         err.Error(),
			})
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		n, err := s.world.RequestReassign(cctx, req.WorkerIDs, req.Region)
		res := protocol.ReassignResultMsg{
			Type:            protocol.TypeReassignResult,
			ProtocolVersion: protocol.Version,
			ReqID:           req.ReqID,
			Moved:           n,
		}
		if err != nil {
			res.Code = errCode(err)
			res.Message = err.Error()
		}
		return mustJSON(res)
	case protocol.TypeWorker:
		w, err := protocol.DecodeWorker(msg)
		if err != nil {
			return errorMsg(protocol.Code(err), err.Error())
		}
		cctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		if err := s.world.RequestUpsert(cctx, w); err != nil {
			return errorMsg(errCode(err), err.Error())
		}
		return nil
	case protocol.TypeSubscribe:
		return nil
	}
	return errorMsg(protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected message type %q", base.Type))
}

func errCode(err error) string {
	switch {
	case errors.Is(err, world.ErrStopped):
		return protocol.ErrWorldStopped
	case errors.Is(err, world.ErrUnknownRegion):
		return protocol.ErrUnknownRegion
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrWorldBusy
	}
	return protocol.Code(err)
}

func encodeChange(c registry.Change) ([]byte, bool) {
	var v any
	switch c.Kind {
	case registry.ChangeWorker:
		v = protocol.WorkerMsg{Type: protocol.TypeWorker, ProtocolVersion: protocol.Version, Worker: c.Worker}
	case registry.ChangeRemove:
		v = protocol.RemoveMsg{Type: protocol.TypeRemove, ProtocolVersion: protocol.Version, WorkerID: c.WorkerID}
	case registry.ChangeEvent:
		v = protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Event: c.Event}
	case registry.ChangeStats:
		v = protocol.StatsMsg{Type: protocol.TypeStats, ProtocolVersion: protocol.Version, Stats: c.Stats}
	case registry.ChangeStatusLine:
		v = protocol.StatusMsg{Type: protocol.TypeStatus, ProtocolVersion: protocol.Version, Line: c.Line}
	default:
		return nil, false
	}
	b, err := json.Marshal(v)
	return b, err == nil
}

func errorMsg(code, message string) []byte {
	return mustJSON(protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Message: message})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// IsLoopbackRemote reports whether remoteAddr is a loopback host:port.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
