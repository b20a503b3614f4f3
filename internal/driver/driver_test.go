package driver

import (
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	"github.com/echaozh/mysqlgw/internal/gwerr"
	"github.com/echaozh/mysqlgw/internal/stmt"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindOneNull(t *testing.T) {
	v, err := bindOne(json.RawMessage(`null`))
	require.Nil(t, err)
	assert.Nil(t, v)
}

func TestBindOneInteger(t *testing.T) {
	v, err := bindOne(json.RawMessage(`123`))
	require.Nil(t, err)
	assert.Equal(t, int64(123), v)
}

func TestBindOneFloat(t *testing.T) {
	v, err := bindOne(json.RawMessage(`1.5`))
	require.Nil(t, err)
	assert.Equal(t, 1.5, v)
}

func TestBindOneWholeNumberDoubleStaysFloat(t *testing.T) {
	v, err := bindOne(json.RawMessage(`2.0`))
	require.Nil(t, err)
	assert.Equal(t, 2.0, v)
}

func TestBindOneExponentLiteralStaysFloat(t *testing.T) {
	v, err := bindOne(json.RawMessage(`2e3`))
	require.Nil(t, err)
	assert.Equal(t, 2000.0, v)
}

func TestBindOneString(t *testing.T) {
	v, err := bindOne(json.RawMessage(`"abc"`))
	require.Nil(t, err)
	assert.Equal(t, "abc", v)
}

func TestBindOneTypedLong(t *testing.T) {
	v, err := bindOne(json.RawMessage(`["long","-42"]`))
	require.Nil(t, err)
	assert.Equal(t, int64(-42), v)
}

func TestBindOneTypedUnsigned(t *testing.T) {
	v, err := bindOne(json.RawMessage(`["unsigned","42"]`))
	require.Nil(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestBindOneTypedTimestamp(t *testing.T) {
	v, err := bindOne(json.RawMessage(`["timestamp","2024-03-05T12:30:45"]`))
	require.Nil(t, err)
	ts, ok := v.(interface{ Format(string) string })
	require.True(t, ok)
	assert.Equal(t, "2024-03-05T12:30:45", ts.Format("2006-01-02T15:04:05"))
}

func TestBindOneTypedUnrecognizedTag(t *testing.T) {
	_, err := bindOne(json.RawMessage(`["weird","x"]`))
	require.NotNil(t, err)
	assert.Equal(t, gwerr.BadArg, err.Code)
}

func TestBindOneBinaryArray(t *testing.T) {
	v, err := bindOne(json.RawMessage(`[1,2,255]`))
	require.Nil(t, err)
	assert.Equal(t, []byte{1, 2, 255}, v)
}

func TestBindOneBinaryArrayOutOfRange(t *testing.T) {
	_, err := bindOne(json.RawMessage(`[1,2,300]`))
	require.NotNil(t, err)
	assert.Equal(t, gwerr.BadArg, err.Code)
}

func TestBindParamsWrongCount(t *testing.T) {
	def := &stmt.Statement{SQL: "select * from t where id = ?"}
	_, err := bindParams(def, []json.RawMessage{})
	require.NotNil(t, err)
	assert.Equal(t, gwerr.BadArg, err.Code)
}

func TestRenderColumnInteger(t *testing.T) {
	var out strings.Builder
	require.NoError(t, renderColumn(&out, stmt.Integer, sql.RawBytes("42")))
	assert.Equal(t, `"42"`, out.String())
}

func TestRenderColumnText(t *testing.T) {
	var out strings.Builder
	require.NoError(t, renderColumn(&out, stmt.Text, sql.RawBytes(`a "quoted" \ string`)))
	var decoded string
	require.NoError(t, json.Unmarshal([]byte(out.String()), &decoded))
	assert.Equal(t, `a "quoted" \ string`, decoded)
}

func TestRenderColumnBinary(t *testing.T) {
	var out strings.Builder
	require.NoError(t, renderColumn(&out, stmt.Binary, sql.RawBytes([]byte{1, 2, 3})))
	assert.Equal(t, "[1,2,3]", out.String())
}

func TestRenderColumnNull(t *testing.T) {
	var out strings.Builder
	require.NoError(t, renderColumn(&out, stmt.Integer, nil))
	assert.Equal(t, "null", out.String())
}

func TestRenderTimestampDatetimeWithSpace(t *testing.T) {
	s, err := renderTimestamp(sql.RawBytes("2024-03-05 12:30:45"))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T12:30:45", s)
}

func TestRenderTimestampDateOnly(t *testing.T) {
	s, err := renderTimestamp(sql.RawBytes("2024-03-05"))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T00:00:00", s)
}

func TestClassifyErrDuplicateKey(t *testing.T) {
	err := classifyErr(&mysql.MySQLError{Number: 1062, Message: "dup"})
	assert.Equal(t, gwerr.DBDup, err.Code)
}

func TestClassifyErrForeignKeyMissing(t *testing.T) {
	err := classifyErr(&mysql.MySQLError{Number: 1452, Message: "fk"})
	assert.Equal(t, gwerr.DBNoRef, err.Code)
}

func TestClassifyErrRowReferenced(t *testing.T) {
	err := classifyErr(&mysql.MySQLError{Number: 1451, Message: "ref"})
	assert.Equal(t, gwerr.DBReffed, err.Code)
}

func TestClassifyErrOtherMySQLError(t *testing.T) {
	err := classifyErr(&mysql.MySQLError{Number: 9999, Message: "weird"})
	assert.Equal(t, gwerr.DBStmt, err.Code)
}

func TestClassifyErrLostConnection(t *testing.T) {
	err := classifyErr(mysql.ErrInvalidConn)
	assert.Equal(t, gwerr.DBTxn, err.Code)
}
