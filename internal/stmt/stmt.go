// Package stmt loads and holds the immutable statement registry: the
// startup-time catalog mapping statement name to expanded SQL text,
// insert-id/is_query flags, and the result column bind-type vector.
//
// Grounded on conn_pool.hpp's read_stmts/add_stmt/expand_dbs/init_stmts
// template functions and mysql_stmt.cpp's translate_type and the
// 3-attempt-with-reconnect probing loop in init_results.
package stmt

import (
	"bufio"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// BindType is the wire-facing result column type enumeration, mirroring
// mysql_stmt.hpp's bind_type enum.
type BindType int

const (
	Null BindType = iota
	Integer
	UnsignedInt
	FloatingPoint
	Text
	Binary
	Timestamp
)

// Statement is an immutable, fully-resolved statement definition.
type Statement struct {
	Name     string
	SQL      string
	InsertID bool
	IsQuery  bool
	Results  []BindType

	File   string
	Lineno int
}

// FindDB resolves a $name. database-name variable to a concrete database
// identifier. An empty return signals "unknown variable".
type FindDB func(name string) string

// Registry is the read-only, startup-loaded catalog of statements, keyed
// by name. It is safe for concurrent use by any number of workers once
// Load has returned, since nothing mutates it afterward.
type Registry struct {
	stmts map[string]*Statement
}

// Lookup returns the named statement, or nil if it isn't registered.
func (r *Registry) Lookup(name string) *Statement {
	return r.stmts[name]
}

// rawStmt is a parsed-but-not-yet-probed statement, produced by reading
// the statement file tree.
type rawStmt struct {
	name     string
	sql      string
	insertID bool
	file     string
	lineno   int
}

// Load reads the statement file tree rooted at dir/entry, expands $var.
// database references via findDB, and probes each non-insert-id statement
// against db to populate its result column metadata, making up to 3
// attempts per statement (matching init_results).
func Load(dir, entry string, findDB FindDB, db *sql.DB) (*Registry, error) {
	raws := make(map[string]*rawStmt)
	including := make(map[string]bool)
	if err := readStmts(raws, dir, entry, including, findDB); err != nil {
		return nil, err
	}

	stmts := make(map[string]*Statement, len(raws))
	for name, raw := range raws {
		st := &Statement{
			Name:     raw.name,
			SQL:      raw.sql,
			InsertID: raw.insertID,
			IsQuery:  true,
			File:     raw.file,
			Lineno:   raw.lineno,
		}
		if !raw.insertID {
			if err := probeResults(db, st); err != nil {
				return nil, fmt.Errorf("%s:%d: %s: %w", raw.file, raw.lineno, raw.name, err)
			}
		}
		stmts[name] = st
	}
	return &Registry{stmts: stmts}, nil
}

// readStmts recursively parses fn (relative to dir, or absolute) into
// raws, following include directives and detecting inclusion cycles.
func readStmts(raws map[string]*rawStmt, dir, fn string, including map[string]bool, findDB FindDB) error {
	path := fn
	if !filepath.IsAbs(fn) {
		path = filepath.Join(dir, fn)
	}
	if including[path] {
		return fmt.Errorf("circular inclusion of statements file: %s", path)
	}
	including[path] = true
	defer delete(including, path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open statements file: %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var name, sqlText string
	var insertID bool
	lineno := 0

	flush := func() error {
		if name == "" {
			return nil
		}
		if sqlText == "" {
			slog.Warn("statement has no sql, skipping", "file", fn, "line", lineno, "name", name)
			name = ""
			return nil
		}
		expanded, err := expandDBs(sqlText, findDB)
		if err != nil {
			return fmt.Errorf("%s:%d: %s: %w", fn, lineno, name, err)
		}
		if _, dup := raws[name]; dup {
			slog.Warn("statement with the same name already defined, overwriting", "file", fn, "line", lineno, "name", name)
		}
		raws[name] = &rawStmt{name: name, sql: expanded, insertID: insertID, file: fn, lineno: lineno}
		name, sqlText, insertID = "", "", false
		return nil
	}

	for sc.Scan() {
		lineno++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}

		if name != "" {
			sqlText += " " + trimmed
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "include"); ok && (rest == "" || isBlank(rest[0])) {
			included := strings.TrimSpace(rest)
			if err := readStmts(raws, dir, included, including, findDB); err != nil {
				return err
			}
			continue
		}

		head, tail, _ := strings.Cut(trimmed, ":")
		if strings.ContainsAny(head, " \t") {
			// no ':' separator but flags may follow whitespace-separated
			fields := strings.Fields(trimmed)
			head = fields[0]
			tail = strings.Join(fields[1:], " ")
		}
		head = strings.TrimSpace(head)
		tail = strings.TrimSpace(tail)

		if head == "" {
			return fmt.Errorf("%s:%d: sql name should not be empty", fn, lineno)
		}
		name = head
		if tail == "insert-id" || tail == "insert_id" {
			insertID = true
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading statements file %s: %w", path, err)
	}

	return flush()
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t'
}

// expandDBs replaces every $name. occurrence in sql with <concrete-db>.,
// resolving name via findDB. Mirrors expand_dbs in conn_pool.hpp exactly,
// including its use of the first '.' after '$' as the variable's end.
func expandDBs(sqlText string, findDB FindDB) (string, error) {
	if !strings.ContainsRune(sqlText, '$') {
		return sqlText, nil
	}

	var out strings.Builder
	last := 0
	for {
		dollar := strings.IndexByte(sqlText[last:], '$')
		if dollar < 0 {
			break
		}
		dollar += last
		dot := strings.IndexByte(sqlText[dollar+1:], '.')
		if dot < 0 {
			return "", fmt.Errorf("incorrect use of db name variable")
		}
		dot += dollar + 1

		varName := sqlText[dollar+1 : dot]
		db := ""
		if findDB != nil {
			db = findDB(varName)
		}
		if db == "" {
			return "", fmt.Errorf("unknown db name variable: %s", varName)
		}

		out.WriteString(sqlText[last:dollar])
		out.WriteString(db)
		last = dot
	}
	out.WriteString(sqlText[last:])
	return out.String(), nil
}

// probeResults determines is_query and the result column bind-type vector
// for st by executing it against db. INSERT/UPDATE/DELETE-shaped
// statements are never executed (they have zero result columns by
// definition); SELECT-shaped statements are run with all-NULL parameters,
// a safe non-mutating substitute for database/sql's lack of a
// prepare-without-execute metadata API. Makes up to 3 attempts in total
// on failure, matching init_results.
func probeResults(db *sql.DB, st *Statement) error {
	if !looksLikeQuery(st.SQL) {
		st.IsQuery = false
		st.Results = nil
		return nil
	}

	nparams := strings.Count(st.SQL, "?")
	args := make([]any, nparams)

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		rows, err := db.Query(st.SQL, args...)
		if err != nil {
			lastErr = err
			continue
		}
		types, err := rows.ColumnTypes()
		closeErr := rows.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if closeErr != nil {
			lastErr = closeErr
			continue
		}

		if len(types) == 0 {
			st.IsQuery = false
			st.Results = nil
			return nil
		}
		results := make([]BindType, len(types))
		for i, ct := range types {
			bt, err := translateType(ct)
			if err != nil {
				return err
			}
			results[i] = bt
		}
		st.IsQuery = true
		st.Results = results
		return nil
	}
	return fmt.Errorf("failed to init result info after 3 attempts: %w", lastErr)
}

// looksLikeQuery reports whether sql's leading keyword is SELECT-shaped,
// and therefore safe to probe with an all-NULL Query call.
func looksLikeQuery(sqlText string) bool {
	trimmed := strings.TrimLeft(sqlText, " \t\n(")
	return len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "select")
}

// translateType maps a database/sql column type's database type name to
// the bind-type enumeration, mirroring mysql_stmt.cpp's translate_type
// switch over MYSQL_FIELD::type.
func translateType(ct *sql.ColumnType) (BindType, error) {
	typeName := strings.ToUpper(ct.DatabaseTypeName())
	unsigned := strings.HasSuffix(typeName, " UNSIGNED")
	typeName = strings.TrimSuffix(typeName, " UNSIGNED")

	switch typeName {
	case "NULL":
		return Null, nil
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "BIGINT", "YEAR":
		if unsigned {
			return UnsignedInt, nil
		}
		return Integer, nil
	case "FLOAT", "DOUBLE":
		return FloatingPoint, nil
	case "CHAR", "VARCHAR", "TEXT", "TINYTEXT", "MEDIUMTEXT", "LONGTEXT", "ENUM", "SET", "DECIMAL":
		return Text, nil
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY", "GEOMETRY":
		return Binary, nil
	case "DATE", "TIME", "DATETIME", "TIMESTAMP":
		return Timestamp, nil
	default:
		return 0, fmt.Errorf("unsupported column type in results: %s", ct.DatabaseTypeName())
	}
}
