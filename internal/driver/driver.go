// Package driver adapts a single MySQL connection to the gateway's
// execute/rollback/close operations: prepared-statement caching,
// JSON parameter binding, result row rendering, and driver error
// classification.
//
// Grounded on mysql_conn.cpp's real_exec/bind_param/param_value/
// gen_row_res/throw_db_err, adapted from MYSQL C-API calls to
// database/sql + go-sql-driver/mysql.
package driver

import (
	"bytes"
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/echaozh/mysqlgw/internal/gwerr"
	"github.com/echaozh/mysqlgw/internal/stmt"
	"github.com/go-sql-driver/mysql"
)

// Conn owns exactly one live database connection plus a cache mapping
// statement name to a prepared handle. It is not safe for concurrent use;
// each worker owns exactly one Conn.
type Conn struct {
	dsn     string
	timeout time.Duration

	db       *sql.DB
	prepared map[string]*sql.Stmt
	tx       *sql.Tx

	registry *stmt.Registry
}

// New constructs a Conn against dsn, lazily connected on first Execute.
func New(dsn string, timeout time.Duration, registry *stmt.Registry) *Conn {
	return &Conn{
		dsn:      dsn,
		timeout:  timeout,
		prepared: make(map[string]*sql.Stmt),
		registry: registry,
	}
}

// connect lazily dials the backend, mirroring mysql_conn::connect's
// apply-timeouts-then-dial shape.
func (c *Conn) connect() error {
	if c.db != nil {
		return nil
	}
	cfg, err := mysql.ParseDSN(c.dsn)
	if err != nil {
		return gwerr.Newf(gwerr.DBTxn, "failed to open mysql connection: %v", err)
	}
	cfg.Timeout = c.timeout
	cfg.ReadTimeout = c.timeout
	cfg.WriteTimeout = c.timeout
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return gwerr.Newf(gwerr.DBTxn, "failed to open mysql connection: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return gwerr.Newf(gwerr.DBTxn, "failed to connect to mysql server: %v", err)
	}
	c.db = db
	return nil
}

// Close closes all cached prepared handles then the connection, resetting
// all state. Mirrors mysql_conn::close.
func (c *Conn) Close() error {
	for _, ps := range c.prepared {
		ps.Close()
	}
	c.prepared = make(map[string]*sql.Stmt)
	c.tx = nil
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Rollback attempts a driver rollback followed by auto-commit restoration.
// On failure the connection is closed outright, matching
// mysql_conn::rollback.
func (c *Conn) Rollback() error {
	if c.db == nil || c.tx == nil {
		return nil
	}
	if err := c.tx.Rollback(); err != nil {
		c.Close()
		return err
	}
	c.tx = nil
	return nil
}

// Result is the outcome of a successful Execute: an optional JSON results
// array and, for begin/commit/rollback, the propagated sequence number is
// attached by the caller, not here.
type Result struct {
	Results json.RawMessage
}

// Execute runs name against the connection. For begin/commit/rollback it
// manages the *sql.Tx directly; for a named statement it looks up (or
// lazily prepares) the cached handle, binds params, and runs it. Any
// driver-classified error is returned as a *gwerr.Error; db_txn
// classifications close the connection before returning, matching
// mysql_conn::execute's catch-and-classify wrapper around real_exec.
func (c *Conn) Execute(name string, params []json.RawMessage) (Result, *gwerr.Error) {
	res, gerr := c.realExecute(name, params)
	if gerr != nil && gerr.Code == gwerr.DBTxn {
		c.Close()
	}
	return res, gerr
}

func (c *Conn) realExecute(name string, params []json.RawMessage) (Result, *gwerr.Error) {
	if err := c.connect(); err != nil {
		if ge, ok := err.(*gwerr.Error); ok {
			return Result{}, ge
		}
		return Result{}, gwerr.Newf(gwerr.DBTxn, "%v", err)
	}

	switch name {
	case "begin":
		tx, err := c.db.Begin()
		if err != nil {
			return Result{}, classifyErr(err)
		}
		c.tx = tx
		return Result{}, nil
	case "commit":
		if c.tx == nil {
			return Result{}, gwerr.Newf(gwerr.DBStmt, "no transaction to commit")
		}
		err := c.tx.Commit()
		c.tx = nil
		if err != nil {
			return Result{}, classifyErr(err)
		}
		return Result{}, nil
	case "rollback":
		if c.tx == nil {
			return Result{}, gwerr.Newf(gwerr.DBStmt, "no transaction to rollback")
		}
		err := c.tx.Rollback()
		c.tx = nil
		if err != nil {
			return Result{}, classifyErr(err)
		}
		return Result{}, nil
	}

	def := c.registry.Lookup(name)
	if def == nil {
		return Result{}, gwerr.Newf(gwerr.BadReq, "unknown statement: %s", name)
	}

	ps, err := c.prepare(def)
	if err != nil {
		return Result{}, classifyErr(err)
	}

	args, argErr := bindParams(def, params)
	if argErr != nil {
		return Result{}, argErr
	}

	if def.InsertID {
		var execResult sql.Result
		if c.tx != nil {
			execResult, err = c.tx.Stmt(ps).Exec(args...)
		} else {
			execResult, err = ps.Exec(args...)
		}
		if err != nil {
			return Result{}, classifyErr(err)
		}
		id, err := execResult.LastInsertId()
		if err != nil {
			return Result{}, classifyErr(err)
		}
		return Result{Results: json.RawMessage(fmt.Sprintf("[[%d]]", id))}, nil
	}

	if !def.IsQuery {
		var execErr error
		if c.tx != nil {
			_, execErr = c.tx.Stmt(ps).Exec(args...)
		} else {
			_, execErr = ps.Exec(args...)
		}
		if execErr != nil {
			return Result{}, classifyErr(execErr)
		}
		return Result{}, nil
	}

	var rows *sql.Rows
	if c.tx != nil {
		rows, err = c.tx.Stmt(ps).Query(args...)
	} else {
		rows, err = ps.Query(args...)
	}
	if err != nil {
		return Result{}, classifyErr(err)
	}
	defer rows.Close()

	body, err := renderRows(rows, def.Results)
	if err != nil {
		return Result{}, classifyErr(err)
	}
	return Result{Results: body}, nil
}

// prepare returns the cached prepared handle for def, preparing and
// caching it on first use.
func (c *Conn) prepare(def *stmt.Statement) (*sql.Stmt, error) {
	if ps, ok := c.prepared[def.Name]; ok {
		return ps, nil
	}
	ps, err := c.db.Prepare(def.SQL)
	if err != nil {
		return nil, err
	}
	c.prepared[def.Name] = ps
	return ps, nil
}

// classifyErr maps a driver error to the gateway error taxonomy, mirroring
// throw_db_err's switch over MySQL error numbers.
func classifyErr(err error) *gwerr.Error {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062, 1022: // ER_DUP_ENTRY, ER_DUP_KEY
			return gwerr.New(gwerr.DBDup)
		case 1216, 1452: // ER_NO_REFERENCED_ROW, ER_NO_REFERENCED_ROW_2
			return gwerr.New(gwerr.DBNoRef)
		case 1217, 1451: // ER_ROW_IS_REFERENCED, ER_ROW_IS_REFERENCED_2
			return gwerr.New(gwerr.DBReffed)
		case 2006, 2013: // CR_SERVER_GONE_ERROR, CR_SERVER_LOST
			return gwerr.Newf(gwerr.DBTxn, "lost connection to mysql server")
		default:
			return gwerr.Newf(gwerr.DBStmt, "failed to execute statement: %v", mysqlErr.Message)
		}
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sqldriver.ErrBadConn) {
		return gwerr.Newf(gwerr.DBTxn, "lost connection to mysql server")
	}
	return gwerr.Newf(gwerr.DBStmt, "failed to execute statement: %v", err)
}

// bindParams type-checks and converts JSON parameters into driver.Value
// arguments per §4.3's JSON-value-to-bind-type table, including the
// 2-element [typeTag, textValue] form and the binary-blob array form.
func bindParams(def *stmt.Statement, params []json.RawMessage) ([]any, *gwerr.Error) {
	placeholders := strings.Count(def.SQL, "?")
	if placeholders != len(params) {
		return nil, gwerr.Newf(gwerr.BadArg, "wrong number of params")
	}

	args := make([]any, len(params))
	for i, raw := range params {
		v, err := bindOne(raw)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// bindOne decodes raw with json.Number so integer and double literals are
// told apart by their literal text (per json-c's json_type_int vs.
// json_type_double), not by reconstructing intent from a parsed float64 —
// a double literal that happens to be whole, like 2.0, must still bind as
// a float.
func bindOne(raw json.RawMessage) (any, *gwerr.Error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, gwerr.Newf(gwerr.BadArg, "bad parameter value")
	}

	switch v := generic.(type) {
	case nil:
		return nil, nil
	case json.Number:
		return bindNumber(v)
	case string:
		return v, nil
	case []any:
		return bindArray(v)
	default:
		return nil, gwerr.Newf(gwerr.BadArg, "unsupported parameter type")
	}
}

func bindNumber(n json.Number) (any, *gwerr.Error) {
	if strings.ContainsAny(n.String(), ".eE") {
		f, err := n.Float64()
		if err != nil {
			return nil, gwerr.Newf(gwerr.BadArg, "bad parameter value")
		}
		return f, nil
	}
	i, err := n.Int64()
	if err != nil {
		return nil, gwerr.Newf(gwerr.BadArg, "bad parameter value")
	}
	return i, nil
}

// bindArray handles both the 2-element [typeTag, textValue] typed form
// and the plain array-of-byte-ints binary blob form.
func bindArray(arr []any) (any, *gwerr.Error) {
	if len(arr) == 2 {
		tag, tagOK := arr[0].(string)
		text, textOK := arr[1].(string)
		if tagOK && textOK {
			return parseTypedValue(tag, text)
		}
	}

	buf := make([]byte, len(arr))
	for i, elem := range arr {
		num, ok := elem.(json.Number)
		if !ok {
			return nil, gwerr.Newf(gwerr.BadArg, "unrecognized parameter type")
		}
		n, err := num.Int64()
		if err != nil || n < 0 || n > 255 {
			return nil, gwerr.Newf(gwerr.BadArg, "unrecognized parameter type")
		}
		buf[i] = byte(n)
	}
	return buf, nil
}

func parseTypedValue(tag, text string) (any, *gwerr.Error) {
	if text == "" {
		return nil, gwerr.Newf(gwerr.BadArg, "bad parameter value")
	}
	switch tag {
	case "long":
		n, err := strconv.ParseInt(strings.TrimSpace(text), 0, 64)
		if err != nil {
			return nil, gwerr.Newf(gwerr.BadArg, "bad parameter value")
		}
		return n, nil
	case "unsigned":
		n, err := strconv.ParseUint(strings.TrimSpace(text), 0, 64)
		if err != nil {
			return nil, gwerr.Newf(gwerr.BadArg, "bad parameter value")
		}
		return n, nil
	case "timestamp":
		return parseTimestamp(text)
	default:
		return nil, gwerr.Newf(gwerr.BadArg, "unrecognized parameter type")
	}
}

// parseTimestamp parses the canonical YYYY-MM-DDTHH:MM:SS form at its
// correct per-field offsets. The original implementation's parser read
// every field from the same copy-pasted offset; that bug is deliberately
// not reproduced here (see SPEC_FULL.md's open-question resolution).
func parseTimestamp(s string) (time.Time, *gwerr.Error) {
	const layout = "2006-01-02T15:04:05"
	if len(s) != len(layout) {
		return time.Time{}, gwerr.Newf(gwerr.BadArg, "bad parameter value")
	}
	t, err := time.ParseInLocation(layout, s, time.Local)
	if err != nil {
		return time.Time{}, gwerr.Newf(gwerr.BadArg, "bad parameter value")
	}
	return t, nil
}

// renderRows fetches every row and renders it as a JSON array of arrays,
// mirroring gen_row_res's per-column formatting rules: integers/unsigned
// as quoted strings, floats as numbers, text JSON-escaped, binary as
// byte-int arrays, timestamps as "YYYY-MM-DDTHH:MM:SS" with a 4-digit
// year, null as JSON null.
func renderRows(rows *sql.Rows, types []stmt.BindType) (json.RawMessage, error) {
	var out strings.Builder
	out.WriteByte('[')

	first := true
	scanArgs := make([]any, len(types))
	for rows.Next() {
		if !first {
			out.WriteByte(',')
		}
		first = false

		for i := range scanArgs {
			scanArgs[i] = new(sql.RawBytes)
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, err
		}

		out.WriteByte('[')
		for i, t := range types {
			if i > 0 {
				out.WriteByte(',')
			}
			raw := scanArgs[i].(*sql.RawBytes)
			if err := renderColumn(&out, t, *raw); err != nil {
				return nil, err
			}
		}
		out.WriteByte(']')
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out.WriteByte(']')
	return json.RawMessage(out.String()), nil
}

func renderColumn(out *strings.Builder, t stmt.BindType, raw sql.RawBytes) error {
	if raw == nil {
		out.WriteString("null")
		return nil
	}

	switch t {
	case stmt.Null:
		out.WriteString("null")
	case stmt.Integer, stmt.UnsignedInt:
		out.WriteByte('"')
		out.Write(raw)
		out.WriteByte('"')
	case stmt.FloatingPoint:
		out.Write(raw)
	case stmt.Text:
		b, err := json.Marshal(string(raw))
		if err != nil {
			return err
		}
		out.Write(b)
	case stmt.Binary:
		out.WriteByte('[')
		for i, b := range raw {
			if i > 0 {
				out.WriteByte(',')
			}
			out.WriteString(strconv.Itoa(int(b)))
		}
		out.WriteByte(']')
	case stmt.Timestamp:
		ts, err := renderTimestamp(raw)
		if err != nil {
			return err
		}
		b, _ := json.Marshal(ts)
		out.Write(b)
	default:
		return fmt.Errorf("unsupported column type in results")
	}
	return nil
}

// renderTimestamp normalizes MySQL's DATE/DATETIME/TIMESTAMP text forms
// to YYYY-MM-DDTHH:MM:SS with a zero-padded 4-digit year.
func renderTimestamp(raw sql.RawBytes) (string, error) {
	s := string(raw)
	s = strings.Replace(s, " ", "T", 1)
	switch len(s) {
	case 10: // date only
		s += "T00:00:00"
	case 19: // datetime/timestamp
	default:
		if len(s) > 19 {
			s = s[:19]
		} else {
			return "", fmt.Errorf("unparseable timestamp: %q", raw)
		}
	}
	return s, nil
}
