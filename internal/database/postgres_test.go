package database

import (
	"bytes"
	"context"
	"testing"

	"github.com/jackc/pgx/v5/tracelog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestTraceLevel(t *testing.T) {
	assert.Equal(t, tracelog.LogLevelDebug, traceLevel("debug"))
	assert.Equal(t, tracelog.LogLevelDebug, traceLevel("trace"))
	assert.Equal(t, tracelog.LogLevelWarn, traceLevel("info"))
	assert.Equal(t, tracelog.LogLevelWarn, traceLevel(""))
}

func TestQueryLogger(t *testing.T) {
	var buf bytes.Buffer
	l := queryLogger(zerolog.New(&buf))

	l.Log(context.Background(), tracelog.LogLevelError, "Query", map[string]interface{}{"sql": "SELECT 1"})

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, `"sql":"SELECT 1"`)
	assert.Contains(t, out, `"message":"Query"`)
}
