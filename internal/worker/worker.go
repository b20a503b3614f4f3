// Package worker implements the worker executor: a goroutine that owns
// exactly one driver connection and alternates forever between a
// non-transactional service loop and a transactional service loop.
//
// Grounded on conn_pool.cpp's real_proc/proc_sqls/proc_txn, translated
// from the original's actor-style "carry the pending reply into the next
// phase" shape into a synchronous Go loop: since a worker's goroutine
// never runs two things at once, sending a reply before blocking for the
// next request is sufficient to satisfy invariant W2 (at most one
// pending reply per worker) without needing an explicit "current reply"
// slot.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/echaozh/mysqlgw/internal/driver"
	"github.com/echaozh/mysqlgw/internal/gwerr"
	"github.com/echaozh/mysqlgw/internal/gwproto"
	"github.com/echaozh/mysqlgw/internal/metrics"
	"github.com/echaozh/mysqlgw/internal/txnseq"
)

// Backend is the subset of *driver.Conn a worker needs, extracted as an
// interface so tests can exercise phase transitions with a fake backend
// instead of a live MySQL connection, and so callers outside this
// package can do the same when wiring integration tests of their own.
type Backend interface {
	Execute(name string, params []json.RawMessage) (driver.Result, *gwerr.Error)
	Rollback() error
	Close() error
}

// Job is one client request routed to a worker, addressed by an opaque
// identity the worker compares with == to enforce invariant I3.
type Job struct {
	Addr     any
	Req      gwproto.Request
	ParseErr *gwerr.Error
}

// Reply is a worker's output, addressed back to the same opaque identity
// the originating Job carried.
type Reply struct {
	Addr any
	Body gwproto.Reply
}

// Hooks lets the dispatcher observe a worker's transaction lifecycle
// without the worker package importing the dispatcher's routing table.
type Hooks struct {
	// Begin is called when this worker mints a new transaction sequence
	// number, so the dispatcher can route subsequent requests for seq
	// directly to this worker.
	Begin func(seq uint64, w *Worker)
	// End is called when the worker's transactional phase exits, so the
	// dispatcher can forget the routing entry for seq.
	End func(seq uint64)
}

// Worker owns one driver connection and its two dedicated channels: the
// shared, round-robin-by-construction work queue for non-transactional
// requests, and a per-worker channel the dispatcher forwards
// transaction-bound requests onto once it has routed them here.
type Worker struct {
	id      int
	conn    Backend
	seq     *txnseq.Sequencer
	workQ   <-chan Job
	txnQ    chan Job
	idleTO  time.Duration
	hooks   Hooks
	sendFn  func(Reply)
	metrics *metrics.Collector
	log     *slog.Logger
}

// New constructs a worker. sendReply delivers a reply to its originating
// client; the dispatcher supplies it so the worker package never needs to
// know about connections or wire framing. conn is typically a
// *driver.Conn, but any Backend (e.g. a fake in tests) works. m may be nil,
// in which case the worker runs uninstrumented.
func New(id int, conn Backend, seq *txnseq.Sequencer, workQ <-chan Job, idleTimeout time.Duration, hooks Hooks, sendReply func(Reply), m *metrics.Collector) *Worker {
	return &Worker{
		id:      id,
		conn:    conn,
		seq:     seq,
		workQ:   workQ,
		txnQ:    make(chan Job, 1),
		idleTO:  idleTimeout,
		hooks:   hooks,
		sendFn:  sendReply,
		metrics: m,
		log:     slog.With("worker", id),
	}
}

// TxnChan returns the channel the dispatcher forwards requests onto once
// it has routed them to this worker's open transaction.
func (w *Worker) TxnChan() chan<- Job {
	return w.txnQ
}

// Run loops forever, alternating non-transactional and transactional
// phases, until ctx is cancelled. The connection is closed on exit.
func (w *Worker) Run(ctx context.Context) {
	defer w.conn.Close()

	for {
		job, beginReply, ok := w.runNonTransactional(ctx)
		if !ok {
			return
		}

		seq := w.seq.Next()
		beginReply.Txn = seq

		beginOK := beginReply.Code == gwerr.Success
		if beginOK {
			w.recordTransactionBegun()
			w.recordWorkerBusy()
		}
		w.hooks.Begin(seq, w)
		w.send(job.Addr, beginReply)

		started := time.Now()
		outcome, ok := w.runTransactional(ctx, job.Addr, seq)
		if beginOK {
			w.recordTransactionEnded(outcome, time.Since(started))
			w.recordWorkerIdle()
		}
		w.hooks.End(seq)
		if !ok {
			return
		}
	}
}

func (w *Worker) send(addr any, body gwproto.Reply) {
	w.sendFn(Reply{Addr: addr, Body: body})
}

func (w *Worker) recordStatement(name string, d time.Duration) {
	if w.metrics == nil {
		return
	}
	w.metrics.StatementExecuted(name, d)
}

func (w *Worker) recordError(code gwerr.Code) {
	if w.metrics == nil {
		return
	}
	w.metrics.ErrorReplied(fmt.Sprintf("%#x", uint32(code)))
}

func (w *Worker) recordTransactionBegun() {
	if w.metrics == nil {
		return
	}
	w.metrics.TransactionBegun()
}

func (w *Worker) recordWorkerBusy() {
	if w.metrics == nil {
		return
	}
	w.metrics.WorkerBusy()
}

func (w *Worker) recordWorkerIdle() {
	if w.metrics == nil {
		return
	}
	w.metrics.WorkerIdle()
}

// recordTransactionEnded is a no-op for outcome == "", which
// runTransactional returns when the phase didn't actually conclude (ctx
// cancellation mid-transaction).
func (w *Worker) recordTransactionEnded(outcome string, d time.Duration) {
	if w.metrics == nil || outcome == "" {
		return
	}
	w.metrics.TransactionEnded(outcome, d)
}

// runNonTransactional implements proc_sqls: pull requests from the
// shared work queue, executing each until a begin statement is seen, at
// which point it returns that statement's (possibly erroneous) reply
// without sending it, handing control to the transactional phase exactly
// as real_proc does regardless of whether begin itself succeeded.
func (w *Worker) runNonTransactional(ctx context.Context) (Job, gwproto.Reply, bool) {
	for {
		select {
		case <-ctx.Done():
			return Job{}, gwproto.Reply{}, false
		case job := <-w.workQ:
			if job.ParseErr != nil {
				w.send(job.Addr, gwproto.FromError(job.Req, 0, job.ParseErr))
				w.recordError(job.ParseErr.Code)
				continue
			}
			if job.Req.Txn != 0 {
				gerr := gwerr.New(gwerr.BadTxn)
				w.send(job.Addr, gwproto.FromError(job.Req, 0, gerr))
				w.recordError(gerr.Code)
				continue
			}

			started := time.Now()
			res, gerr := w.conn.Execute(job.Req.SQL, job.Req.Params)
			w.recordStatement(job.Req.SQL, time.Since(started))
			reply := replyFor(job.Req, 0, res, gerr)
			if gerr != nil {
				w.recordError(gerr.Code)
			}

			if job.Req.SQL == gwproto.Begin {
				return job, reply, true
			}
			w.send(job.Addr, reply)
		}
	}
}

// runTransactional implements proc_txn. It returns the transaction's
// outcome ("commit", "rollback", or "timeout") and true if the phase
// exited normally, or ("", false) if ctx was cancelled mid-transaction.
func (w *Worker) runTransactional(ctx context.Context, addr any, seq uint64) (string, bool) {
	timer := time.NewTimer(w.idleTO)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false

		case <-timer.C:
			w.conn.Rollback()
			w.send(addr, gwproto.Reply{Code: gwerr.TxnTimeout, Message: gwerr.New(gwerr.TxnTimeout).Message, Txn: seq})
			w.recordError(gwerr.TxnTimeout)
			return "timeout", true

		case job := <-w.txnQ:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

			outcome, terminal := w.handleTxnRequest(addr, seq, job)
			if terminal {
				return outcome, true
			}
			timer.Reset(w.idleTO)
		}
	}
}

// handleTxnRequest processes one request within an open transaction,
// mirroring proc_txn's per-request branch, and reports the transaction's
// outcome alongside whether it is now resolved. A failed commit or a
// connection-doomed db_txn error both count as "rollback": neither leaves
// the transaction committed.
func (w *Worker) handleTxnRequest(addr any, seq uint64, job Job) (string, bool) {
	if job.ParseErr != nil {
		w.send(job.Addr, gwproto.FromError(job.Req, 0, job.ParseErr))
		w.recordError(job.ParseErr.Code)
		return "", false
	}
	if job.Req.SQL == gwproto.Begin {
		gerr := gwerr.Newf(gwerr.BadTxn, "nested transactions not allowed")
		w.send(job.Addr, gwproto.FromError(job.Req, seq, gerr))
		w.recordError(gerr.Code)
		return "", false
	}
	if job.Req.Txn != seq {
		gerr := gwerr.New(gwerr.BadTxn)
		w.send(job.Addr, gwproto.FromError(job.Req, 0, gerr))
		w.recordError(gerr.Code)
		return "", false
	}
	if job.Addr != addr {
		gerr := gwerr.New(gwerr.BadCaller)
		w.send(job.Addr, gwproto.FromError(job.Req, seq, gerr))
		w.recordError(gerr.Code)
		return "", false
	}

	started := time.Now()
	res, gerr := w.conn.Execute(job.Req.SQL, job.Req.Params)
	w.recordStatement(job.Req.SQL, time.Since(started))
	reply := replyFor(job.Req, seq, res, gerr)
	w.send(addr, reply)
	if gerr != nil {
		w.recordError(gerr.Code)
	}

	endsTxn := job.Req.SQL == gwproto.Commit || job.Req.SQL == gwproto.Rollback
	isDBTxn := gerr != nil && gerr.Code == gwerr.DBTxn
	if !endsTxn && !isDBTxn {
		return "", false
	}
	if job.Req.SQL == gwproto.Commit && gerr == nil {
		return "commit", true
	}
	return "rollback", true
}

func replyFor(req gwproto.Request, txn uint64, res driver.Result, gerr *gwerr.Error) gwproto.Reply {
	if gerr != nil {
		return gwproto.FromError(req, txn, gerr)
	}
	return gwproto.Success(req, txn, res.Results)
}
