package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
)

//nolint:paralleltest
func TestLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf, zerolog.TraceLevel)

	log.New("repl").
		With(log.OpTime(1700000000, 3), log.NS("db1", "coll"), log.Op("i")).
		With(log.Elapsed(1500*time.Millisecond), log.Count(7)).
		Error(errors.New("boom"), "Flush failed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))

	assert.Equal(t, "repl", rec["s"])
	assert.Equal(t, "1700000000.3", rec["ts"])
	assert.Equal(t, "db1.coll", rec["ns"])
	assert.Equal(t, "i", rec["op"])
	assert.InDelta(t, 1.5, rec["elapsed_secs"], 0.0001)
	assert.InDelta(t, 7, rec["count"], 0)
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "Flush failed", rec["message"])
	assert.Equal(t, "error", rec["level"])
}

//nolint:paralleltest
func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf, zerolog.InfoLevel)

	ctx := log.New("lag").WithContext(context.Background())
	log.Ctx(ctx).Debugf("hidden %d", 1)
	log.Ctx(ctx).Infof("Target is behind by %d seconds", 60)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "lag", rec["s"])
	assert.Equal(t, "Target is behind by 60 seconds", rec["message"])
}

func TestNSDatabaseOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	c := log.NS("admin", "")(zl.With())
	lg := c.Logger()
	lg.Info().Msg("")

	assert.Contains(t, buf.String(), `"ns":"admin"`)
}
