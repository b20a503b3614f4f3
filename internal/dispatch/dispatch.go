// Package dispatch implements the frontend dispatcher: it accepts client
// connections, classifies each request as transactional or not, and
// routes it either to the shared non-transactional work queue or to the
// worker that owns the referenced transaction.
//
// Grounded on conn_pool.cpp's real_serve/proc_req/proc_res. The original
// used ZeroMQ ROUTER/DEALER sockets and their "label" envelope bit so a
// transaction's (seq -> worker) binding lived inside the transport's own
// routing table. No ZeroMQ binding exists anywhere in this module's
// dependency pack, so per SPEC_FULL.md §2 this package synthesizes that
// binding as an explicit map, keeping the same external wire shape: a
// 1-frame packet is a non-transactional request, a 2-frame packet's
// leading frame is an opaque transaction handle (the 8-byte big-endian
// sequence number) used only for server-side routing.
package dispatch

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/echaozh/mysqlgw/internal/gwerr"
	"github.com/echaozh/mysqlgw/internal/gwproto"
	"github.com/echaozh/mysqlgw/internal/metrics"
	"github.com/echaozh/mysqlgw/internal/wire"
	"github.com/echaozh/mysqlgw/internal/worker"
)

// txnRoute is the subset of *worker.Worker the dispatcher needs to
// forward a routed request.
type txnRoute interface {
	TxnChan() chan<- worker.Job
}

// Dispatcher accepts client connections and steers requests between the
// shared work queue and per-transaction worker channels.
type Dispatcher struct {
	listener net.Listener
	workQ    chan<- worker.Job
	metrics  *metrics.Collector

	mu     sync.Mutex
	routes map[uint64]txnRoute

	wg  sync.WaitGroup
	log *slog.Logger
}

// New constructs a dispatcher bound to addr, forwarding non-transactional
// jobs onto workQ (shared by every worker, giving round-robin-by-
// construction distribution via ordinary channel semantics). m may be nil,
// in which case the dispatcher runs uninstrumented.
func New(addr string, workQ chan<- worker.Job, m *metrics.Collector) (*Dispatcher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dispatch: listen on %s: %w", addr, err)
	}
	return &Dispatcher{
		listener: ln,
		workQ:    workQ,
		metrics:  m,
		routes:   make(map[uint64]txnRoute),
		log:      slog.With("component", "dispatch"),
	}, nil
}

// Addr returns the bound listen address, useful when addr was "host:0".
func (d *Dispatcher) Addr() net.Addr {
	return d.listener.Addr()
}

// Hooks returns the worker.Hooks callbacks a worker should be constructed
// with so its transaction lifecycle updates this dispatcher's routing
// table.
func (d *Dispatcher) Hooks() worker.Hooks {
	return worker.Hooks{
		Begin: func(seq uint64, w *worker.Worker) {
			d.mu.Lock()
			d.routes[seq] = w
			d.mu.Unlock()
		},
		End: func(seq uint64) {
			d.mu.Lock()
			delete(d.routes, seq)
			d.mu.Unlock()
		},
	}
}

// Serve accepts connections until ctx is cancelled or the listener
// closes. It blocks until all connection handlers have returned.
func (d *Dispatcher) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				d.wg.Wait()
				return nil
			default:
				return fmt.Errorf("dispatch: accept: %w", err)
			}
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(ctx, wire.NewConn(conn))
		}()
	}
}

// serveConn runs a client connection's read loop: every request it
// decodes is forwarded to a worker (directly, or via the shared queue);
// every worker reply addressed to this connection is written back. The
// two directions share the connection's Send, which wire.Conn
// synchronizes internally.
func (d *Dispatcher) serveConn(ctx context.Context, c *wire.Conn) {
	defer c.Close()

	for {
		pkt, err := c.Recv()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := d.dispatchRequest(c, pkt); err != nil {
			return
		}
	}
}

// dispatchRequest classifies one incoming packet and forwards it,
// mirroring proc_req's frame-count check. Frame labels are not consulted;
// a routing-table lookup on the handle frame takes the place of the
// original's label/unlabel dance.
func (d *Dispatcher) dispatchRequest(c *wire.Conn, pkt wire.Packet) error {
	switch len(pkt) {
	case 1:
		req, perr := gwproto.ParseRequest(pkt[0].Data)
		return d.sendToWorkQueue(c, req, perr)

	case 2:
		handle := pkt[0].Data
		req, perr := gwproto.ParseRequest(pkt[1].Data)
		return d.sendToTxnRoute(c, handle, req, perr)

	default:
		return c.Send(wire.Packet{{Data: mustMarshal(gwproto.BadProto("bad protocol"))}})
	}
}

func (d *Dispatcher) sendToWorkQueue(c *wire.Conn, req gwproto.Request, perr *gwerr.Error) error {
	d.workQ <- worker.Job{Addr: c, Req: req, ParseErr: perr}
	if d.metrics != nil {
		d.metrics.SetWorkQueueDepth(len(d.workQ))
	}
	return nil
}

func (d *Dispatcher) sendToTxnRoute(c *wire.Conn, handle []byte, req gwproto.Request, perr *gwerr.Error) error {
	if len(handle) != 8 {
		reply := gwproto.FromError(req, 0, gwerr.New(gwerr.BadProto))
		return c.Send(wire.Packet{{Data: mustMarshal(reply)}})
	}
	seq := binary.BigEndian.Uint64(handle)

	d.mu.Lock()
	route, ok := d.routes[seq]
	d.mu.Unlock()

	if !ok {
		reply := gwproto.FromError(req, 0, gwerr.New(gwerr.BadTxn))
		return c.Send(wire.Packet{{Data: handle}, {Data: mustMarshal(reply)}})
	}

	route.TxnChan() <- worker.Job{Addr: c, Req: req, ParseErr: perr}
	return nil
}

// DeliverReply sends a worker's reply to its originating connection. The
// reply carries a transaction handle frame iff its body names a nonzero
// txn, per §6's reply wire shape. Workers are constructed with this
// method (bound via a method value) as their sendReply callback.
func (d *Dispatcher) DeliverReply(r worker.Reply) {
	if err := d.deliverReply(r); err != nil {
		d.log.Warn("failed to deliver reply", "error", err)
	}
}

func (d *Dispatcher) deliverReply(r worker.Reply) error {
	c, ok := r.Addr.(*wire.Conn)
	if !ok {
		return fmt.Errorf("dispatch: reply addressed to non-connection identity")
	}

	body := mustMarshal(r.Body)
	if r.Body.Txn != 0 {
		handle := make([]byte, 8)
		binary.BigEndian.PutUint64(handle, r.Body.Txn)
		return c.Send(wire.Packet{{Data: handle}, {Data: body}})
	}
	return c.Send(wire.Packet{{Data: body}})
}

func mustMarshal(v gwproto.Reply) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// gwproto.Reply always marshals; a failure here means a
		// programming error, not a runtime condition to recover from.
		panic(fmt.Sprintf("dispatch: failed to marshal reply: %v", err))
	}
	return b
}
