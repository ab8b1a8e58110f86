package impl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/encodeous/strata/protocol"
	"github.com/encodeous/strata/state"
	"github.com/google/uuid"
)

// Server exposes the kvstore wire protocol over TCP. Requests are
// handed off to the owning area executor; the accepting goroutine only
// does frame and codec work.
type Server struct {
	kv  *KvStore
	log *slog.Logger
}

func NewServer(kv *KvStore, log *slog.Logger) *Server {
	return &Server{kv: kv, log: log}
}

// ListenAndServe binds addr and serves until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context, addr string) error {
	config := net.ListenConfig{}
	listener, err := config.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	return srv.Serve(ctx, listener)
}

// Serve accepts connections until the listener closes.
func (srv *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv.log.Info("kvstore listening", "addr", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			srv.log.Warn("failed to accept connection", "err", err)
			return err
		}
		go srv.handleConn(ctx, conn)
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := uuid.New()
	log := srv.log.With("conn", id.String(), "remote", conn.RemoteAddr().String())
	log.Debug("connection accepted")
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			log.Debug("connection closed", "err", err)
			return
		}
		srv.kv.counters.Add(state.CounterBytesReceived, int64(len(frame)))

		request, err := protocol.UnmarshalRequest(frame)
		if err != nil {
			// a frame that decodes to garbage leaves the stream itself
			// intact; count it, drop it, keep serving
			srv.kv.counters.Increment(state.CounterDeserializationFailures)
			log.Error("failed to decode request", "err", err)
			continue
		}

		response := srv.handle(request)
		out := protocol.MarshalResponse(response)
		if err := protocol.WriteFrame(conn, out); err != nil {
			log.Debug("failed to write response", "err", err)
			return
		}
		srv.kv.counters.Add(state.CounterBytesSent, int64(len(out)))
	}
}

func errorResponse(err error) *protocol.Response {
	return &protocol.Response{Error: err.Error()}
}

func (srv *Server) handle(request *protocol.Request) *protocol.Response {
	switch request.Cmd {
	case protocol.CmdKeySet:
		if request.KeySet == nil {
			return errorResponse(fmt.Errorf("%w: missing key-set params", state.ErrInvalidArgument))
		}
		if err := srv.kv.SetKeyVals(request.Area, *request.KeySet); err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{}

	case protocol.CmdKeyDump:
		params := state.KeyDumpParams{}
		if request.KeyDump != nil {
			params = *request.KeyDump
		}
		pub, err := srv.kv.DumpArea(request.Area, params)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{Publication: pub}

	case protocol.CmdHashDump:
		params := state.KeyDumpParams{}
		if request.KeyDump != nil {
			params = *request.KeyDump
		}
		pub, err := srv.kv.DumpHashes(request.Area, params)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{Publication: pub}

	case protocol.CmdKeyGet:
		if request.KeyGet == nil {
			return errorResponse(fmt.Errorf("%w: missing key-get params", state.ErrInvalidArgument))
		}
		pub, err := srv.kv.GetKeyVals(request.Area, request.KeyGet.Keys)
		if err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{Publication: pub}

	case protocol.CmdFloodTopoSet:
		if request.FloodTopoSet == nil {
			return errorResponse(fmt.Errorf("%w: missing flood-topo params", state.ErrInvalidArgument))
		}
		if err := srv.kv.ProcessFloodTopoSet(request.Area, *request.FloodTopoSet); err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{}

	case protocol.CmdDualMsg:
		if request.Dual == nil {
			return errorResponse(fmt.Errorf("%w: missing dual messages", state.ErrInvalidArgument))
		}
		if err := srv.kv.ProcessDualMessages(request.Area, *request.Dual); err != nil {
			return errorResponse(err)
		}
		return &protocol.Response{}

	case protocol.CmdStatus:
		return &protocol.Response{}
	}
	return errorResponse(errors.New("unknown command received"))
}
