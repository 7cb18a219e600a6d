package observability

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/errs"
)

type recordingLogger struct {
	debugs int
	infos  int
	warns  int
	errors int
	last   []Field
}

func (r *recordingLogger) Debug(_ string, f ...Field) { r.debugs++; r.last = f }
func (r *recordingLogger) Info(_ string, f ...Field)  { r.infos++; r.last = f }
func (r *recordingLogger) Warn(_ string, f ...Field)  { r.warns++; r.last = f }
func (r *recordingLogger) Error(_ string, f ...Field) { r.errors++; r.last = f }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestWithPrependsFields(t *testing.T) {
	recorder := new(recordingLogger)
	logger := With(recorder, F("bucket", 3))
	logger.Warn("soft ceiling", F("buckets", 21))

	require.Equal(t, 1, recorder.warns)
	require.Equal(t, []Field{F("bucket", 3), F("buckets", 21)}, recorder.last)
}

func TestAggregateErrorsSkipsNil(t *testing.T) {
	recorder := new(recordingLogger)
	require.NoError(t, AggregateErrors(recorder, "close", []error{nil, nil}))
	require.Equal(t, 0, recorder.errors)

	boom := errors.New("boom")
	err := AggregateErrors(recorder, "close", []error{nil, boom, errs.ErrReconnectTimeout})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, errs.ErrReconnectTimeout)
	require.Equal(t, 1, recorder.errors)
	require.Contains(t, recorder.last, F("error_count", 2))
	require.Contains(t, recorder.last, F("fatal_count", 1))
}

func TestLogrusLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.DebugLevel)

	logger := NewLogrusLoggerFrom(base).WithComponent("stream")
	logger.Info("connected", F("url", "wss://example"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "connected", entry["msg"])
	require.Equal(t, "stream", entry["component"])
	require.Equal(t, "wss://example", entry["url"])
}
