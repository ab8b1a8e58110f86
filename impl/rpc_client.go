package impl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/encodeous/strata/protocol"
	"github.com/encodeous/strata/state"
)

// peerClient is the TCP implementation of the outbound client
// capability. It keeps one connection per peer and serializes requests
// on it; concurrent callers queue on the mutex.
type peerClient struct {
	log  *slog.Logger
	addr string

	mu   sync.Mutex
	conn net.Conn
}

// NewPeerClient is the default ClientFactory.
func NewPeerClient(e *state.Env, peerName string, spec state.PeerSpec) (state.KvClient, error) {
	if spec.PeerAddr == "" {
		return nil, fmt.Errorf("%w: empty peer address for %s", state.ErrInvalidArgument, peerName)
	}
	e.Log.Info("creating client", "peer", peerName, "addr", spec.Address())
	return &peerClient{
		log:  e.Log.With("peer", peerName),
		addr: spec.Address(),
	}, nil
}

func (c *peerClient) resetLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *peerClient) call(ctx context.Context, request *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		dialer := net.Dialer{Timeout: state.ServiceConnTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", state.ErrClientConnection, c.addr, err)
		}
		c.conn = conn
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(state.ServiceProcTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("%w: %v", state.ErrClientConnection, err)
	}

	if err := protocol.WriteFrame(c.conn, protocol.MarshalRequest(request)); err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("%w: write: %v", state.ErrClientConnection, err)
	}
	frame, err := protocol.ReadFrame(c.conn)
	if err != nil {
		c.resetLocked()
		return nil, fmt.Errorf("%w: read: %v", state.ErrClientConnection, err)
	}

	response, err := protocol.UnmarshalResponse(frame)
	if err != nil {
		c.resetLocked()
		return nil, err
	}
	if response.Error != "" {
		// remote rejected the request; the connection stays usable
		return nil, errors.New(response.Error)
	}
	return response, nil
}

func (c *peerClient) GetKvStoreKeyValsFiltered(ctx context.Context, area string, params state.KeyDumpParams) (*state.Publication, error) {
	response, err := c.call(ctx, &protocol.Request{
		Cmd:     protocol.CmdKeyDump,
		Area:    area,
		KeyDump: &params,
	})
	if err != nil {
		return nil, err
	}
	if response.Publication == nil {
		return &state.Publication{Area: area, KeyVals: make(map[string]state.Value)}, nil
	}
	return response.Publication, nil
}

func (c *peerClient) SetKvStoreKeyVals(ctx context.Context, area string, params state.KeySetParams) error {
	_, err := c.call(ctx, &protocol.Request{
		Cmd:    protocol.CmdKeySet,
		Area:   area,
		KeySet: &params,
	})
	return err
}

func (c *peerClient) UpdateFloodTopologyChild(ctx context.Context, area string, params state.FloodTopoSetParams) error {
	_, err := c.call(ctx, &protocol.Request{
		Cmd:          protocol.CmdFloodTopoSet,
		Area:         area,
		FloodTopoSet: &params,
	})
	return err
}

func (c *peerClient) ProcessDualMessages(ctx context.Context, area string, msgs state.DualMessages) error {
	_, err := c.call(ctx, &protocol.Request{
		Cmd:  protocol.CmdDualMsg,
		Area: area,
		Dual: &msgs,
	})
	return err
}

func (c *peerClient) Status(ctx context.Context) error {
	_, err := c.call(ctx, &protocol.Request{Cmd: protocol.CmdStatus})
	return err
}

func (c *peerClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}
