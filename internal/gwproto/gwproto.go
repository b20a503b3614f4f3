// Package gwproto defines the JSON request/reply bodies exchanged over the
// wire codec's body frame, and the validation rules that turn a raw body
// frame into a usable Request.
//
// This mirrors sql_stmt.cpp's constructor (field presence checks) and
// sql_res.hpp/write_res's reply assembly (omission rules for zero-valued
// optional fields) from the original implementation.
package gwproto

import (
	"encoding/json"

	"github.com/echaozh/mysqlgw/internal/gwerr"
)

// Reserved statement names that don't go through the statement registry.
const (
	Begin    = "begin"
	Commit   = "commit"
	Rollback = "rollback"
)

// Request is a parsed client request body.
type Request struct {
	ID     uint64
	SQL    string
	Txn    uint64
	Params []json.RawMessage
}

// rawRequest is the wire shape of a request body, before validation.
type rawRequest struct {
	ID     uint64            `json:"id"`
	SQL    string            `json:"sql"`
	Txn    uint64            `json:"txn,omitempty"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// ParseRequest decodes and validates a request body frame. A malformed or
// incomplete body yields a *gwerr.Error with code bad_req, never a plain
// decode error, since the reply path only ever carries gwerr codes.
func ParseRequest(body []byte) (Request, *gwerr.Error) {
	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return Request{}, gwerr.Newf(gwerr.BadReq, "malformed request body: %v", err)
	}
	if raw.ID == 0 {
		return Request{}, gwerr.Newf(gwerr.BadReq, "no id specified")
	}
	if raw.SQL == "" {
		// The id is known at this point, so the error reply can echo it.
		return Request{ID: raw.ID}, gwerr.Newf(gwerr.BadReq, "no statement specified")
	}
	return Request{
		ID:     raw.ID,
		SQL:    raw.SQL,
		Txn:    raw.Txn,
		Params: raw.Params,
	}, nil
}

// IsBuiltin reports whether sql names a reserved transaction-control verb
// rather than a registered statement.
func IsBuiltin(sql string) bool {
	return sql == Begin || sql == Commit || sql == Rollback
}

// Reply is a server reply body, ready for JSON encoding.
type Reply struct {
	ID      uint64
	Code    gwerr.Code
	Message string
	Txn     uint64
	Results json.RawMessage
}

// rawReply mirrors write_res's omission rules: id and txn are omitted when
// zero (id is always non-zero on a successful parse, but a bad_proto reply
// has no associated id), and results is omitted on error or when absent.
type rawReply struct {
	ID      uint64          `json:"id,omitempty"`
	Code    gwerr.Code      `json:"code"`
	Message string          `json:"message"`
	Txn     uint64          `json:"txn,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`
}

// MarshalJSON renders the reply per §3's optional-field omission rules.
func (r Reply) MarshalJSON() ([]byte, error) {
	raw := rawReply{
		ID:      r.ID,
		Code:    r.Code,
		Message: r.Message,
		Txn:     r.Txn,
	}
	if r.Code == gwerr.Success {
		raw.Results = r.Results
	}
	return json.Marshal(raw)
}

// Success builds a code=success reply for req, optionally carrying a
// transaction sequence number and/or results.
func Success(req Request, txn uint64, results json.RawMessage) Reply {
	return Reply{ID: req.ID, Code: gwerr.Success, Message: "success", Txn: txn, Results: results}
}

// FromError builds a reply from a gateway error, addressed to req. txn is
// carried through when the error concerns an already-open transaction.
func FromError(req Request, txn uint64, err *gwerr.Error) Reply {
	return Reply{ID: req.ID, Code: err.Code, Message: err.Message, Txn: txn}
}

// BadProto builds a reply with no associated request id, used when the
// incoming envelope itself could not be classified as a valid 1- or
// 2-frame request (see SPEC_FULL.md's note on not reproducing the
// original's bare-envelope bad_proto bug: this always yields a composed
// reply body, never a raw envelope echo).
func BadProto(message string) Reply {
	return Reply{Code: gwerr.BadProto, Message: message}
}
