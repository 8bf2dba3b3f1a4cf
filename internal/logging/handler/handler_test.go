package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogtailAgent/internal/logging"
	"github.com/Chichichkin/LogtailAgent/internal/logging/drain"
	"github.com/Chichichkin/LogtailAgent/internal/logging/logtail"
	"github.com/Chichichkin/LogtailAgent/internal/testutils"
)

const pkgPath = "github.com/Chichichkin/LogtailAgent/internal/logging/handler"

func TestHandler_MapsRecord(t *testing.T) {
	target := &testutils.MockEnqueuer{}
	logger := slog.New(New(target, Options{LoggerName: "orders"}))

	logger.Info("User just ordered item", "user", "Josh", "userID", 95845, "item", 75423)

	logs := target.GetLogs()
	require.Len(t, logs, 1)
	log := logs[0]

	assert.Equal(t, "User just ordered item", log.Message)
	assert.Equal(t, "Info", log.Level)
	assert.WithinDuration(t, time.Now(), log.Timestamp, time.Second)
	assert.Equal(t, "orders", log.Context["logger"])
	assert.Equal(t, map[string]any{
		"user":   "Josh",
		"userID": int64(95845),
		"item":   int64(75423),
	}, log.Context["properties"])
	assert.NotContains(t, log.Context, "gdc")
}

func TestHandler_RuntimeContext(t *testing.T) {
	target := &testutils.MockEnqueuer{}
	logger := slog.New(New(target, Options{CaptureSourceLocation: true}))

	logger.Warn("with source")

	logs := target.GetLogs()
	require.Len(t, logs, 1)
	rt := logs[0].Context["runtime"].(map[string]any)

	assert.Equal(t, pkgPath, rt["class"])
	assert.Equal(t, "TestHandler_RuntimeContext", rt["member"])
	assert.True(t, strings.HasSuffix(rt["file"].(string), "handler_test.go"))
	assert.Greater(t, rt["line"], 0)
}

func TestHandler_RuntimeContextWithoutSource(t *testing.T) {
	target := &testutils.MockEnqueuer{}
	logger := slog.New(New(target, Options{}))

	logger.Info("without source")

	rt := target.GetLogs()[0].Context["runtime"].(map[string]any)
	assert.Equal(t, pkgPath, rt["class"])
	assert.Nil(t, rt["file"])
	assert.Nil(t, rt["line"])
}

func TestHandler_GlobalContext(t *testing.T) {
	target := &testutils.MockEnqueuer{}
	global := map[string]any{"env": "prod", "": "ignored"}
	logger := slog.New(New(target, Options{GlobalContext: global}))

	logger.Info("x")
	global["env"] = "staging"

	gdc := target.GetLogs()[0].Context["gdc"]
	assert.Equal(t, map[string]any{"env": "prod"}, gdc)
}

func TestHandler_AttrsAndGroups(t *testing.T) {
	target := &testutils.MockEnqueuer{}
	logger := slog.New(New(target, Options{}))

	logger.With("request", "r1").WithGroup("http").Info("served",
		"status", 200,
		slog.Group("timing", "total", 3*time.Millisecond),
		slog.Group("empty"),
	)
	logger.WithGroup("unused").Info("no attrs")

	logs := target.GetLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, map[string]any{
		"request": "r1",
		"http": map[string]any{
			"status": int64(200),
			"timing": map[string]any{"total": "3ms"},
		},
	}, logs[0].Context["properties"])
	assert.Equal(t, map[string]any{}, logs[1].Context["properties"])
}

func TestHandler_Level(t *testing.T) {
	target := &testutils.MockEnqueuer{}
	h := New(target, Options{Level: slog.LevelWarn})
	logger := slog.New(h)

	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))

	logger.Info("dropped")
	logger.Error("kept")
	logger.Log(context.Background(), LevelFatal, "fatal")

	logs := target.GetLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "Error", logs[0].Level)
	assert.Equal(t, "Fatal", logs[1].Level)
}

func TestHandler_ClosedTarget(t *testing.T) {
	target := &testutils.MockEnqueuer{Closed: true}
	h := New(target, Options{})

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0))

	assert.True(t, errors.Is(err, logging.ErrDrainClosed))
}

func TestHandler_Console(t *testing.T) {
	var buf bytes.Buffer
	target := &testutils.MockEnqueuer{}
	logger := slog.New(New(target, Options{Console: &buf}))

	logger.WithGroup("req").Info("hello", "user", "Josh", "ok", true)

	line := buf.String()
	assert.Contains(t, line, " Info hello")
	assert.Contains(t, line, "req.user="+ansiCyan+"Josh"+ansiReset)
	assert.Contains(t, line, "req.ok="+ansiGreen+"true"+ansiReset)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLevelName(t *testing.T) {
	tests := map[slog.Level]string{
		LevelTrace:         "Trace",
		slog.LevelDebug:    "Debug",
		slog.LevelInfo:     "Info",
		slog.LevelInfo + 2: "Info",
		slog.LevelWarn:     "Warn",
		slog.LevelError:    "Error",
		LevelFatal:         "Fatal",
		LevelFatal + 4:     "Fatal",
	}
	for level, want := range tests {
		assert.Equal(t, want, LevelName(level), level.String())
	}
}

func TestParseLevel(t *testing.T) {
	for _, level := range []slog.Level{LevelTrace, slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError, LevelFatal} {
		parsed, err := ParseLevel(strings.ToUpper(LevelName(level)))
		require.NoError(t, err)
		assert.Equal(t, level, parsed)
	}

	parsed, err := ParseLevel(" warning ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, parsed)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, ansiCyan+"text"+ansiReset, FormatValue(slog.StringValue("text")))
	assert.Equal(t, ansiYellow+"42"+ansiReset, FormatValue(slog.IntValue(42)))
	assert.Equal(t, ansiYellow+"7"+ansiReset, FormatValue(slog.Uint64Value(7)))
	assert.Equal(t, ansiGreen+"true"+ansiReset, FormatValue(slog.BoolValue(true)))
	assert.Equal(t, ansiRed+"false"+ansiReset, FormatValue(slog.BoolValue(false)))
	assert.Equal(t, ansiGray+"null"+ansiReset, FormatValue(slog.AnyValue(nil)))
	assert.Equal(t, ansiBlue+"1.5"+ansiReset, FormatValue(slog.Float64Value(1.5)))
	assert.Equal(t, "", FormatValue(slog.StringValue("")))
}

func TestSplitFunction(t *testing.T) {
	tests := []struct {
		name, class, member string
	}{
		{"example.com/app/store.(*DB).Get", "example.com/app/store.DB", "Get"},
		{"example.com/app/store.(DB).Close", "example.com/app/store.DB", "Close"},
		{"example.com/app/store.Open", "example.com/app/store", "Open"},
		{"example.com/app/store.Open.func1", "example.com/app/store", "Open.func1"},
		{"main.main", "main", "main"},
		{"weird", "", "weird"},
	}
	for _, tt := range tests {
		class, member := splitFunction(tt.name)
		assert.Equal(t, tt.class, class, tt.name)
		assert.Equal(t, tt.member, member, tt.name)
	}
}

func TestNewLogtail_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var received []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer source-token", r.Header.Get("Authorization"))

		var payload []map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		mu.Lock()
		received = append(received, payload...)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	h := NewLogtail(context.Background(), "source-token",
		logtail.Config{Endpoint: server.URL, Retries: 1},
		logging.Config{FlushPeriod: time.Hour},
		Options{LoggerName: "e2e", GlobalContext: map[string]any{"app": "shop"}},
	)
	logger := slog.New(h)

	logger.Info("first", "n", 1)
	logger.Error("second", "err", errors.New("boom"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)

	assert.Equal(t, "first", received[0]["message"])
	assert.Equal(t, "Info", received[0]["level"])
	first := received[0]["context"].(map[string]any)
	assert.Equal(t, "e2e", first["logger"])
	assert.Equal(t, map[string]any{"n": float64(1)}, first["properties"])
	assert.Equal(t, map[string]any{"app": "shop"}, first["gdc"])
	assert.Contains(t, first, "runtime")

	second := received[1]["context"].(map[string]any)
	assert.Equal(t, "Error", received[1]["level"])
	assert.Equal(t, map[string]any{"err": "boom"}, second["properties"])

	assert.Error(t, logger.Handler().Handle(context.Background(),
		slog.NewRecord(time.Now(), slog.LevelInfo, "after close", 0)))
}

func TestHandler_AttrMutatedAfterLogging(t *testing.T) {
	sender := &testutils.MockSender{}
	d := drain.New(context.Background(), sender, logging.Config{FlushPeriod: time.Millisecond, MaxBatchSize: 2})
	h := New(d, Options{})
	logger := slog.New(h)

	state := map[string]any{"tick": 0, "owner": map[string]any{"name": "alice"}}
	for i := 0; i < 100; i++ {
		logger.Info("tick", "state", state)
		// written while the delivery loop may be reading earlier records
		state["tick"] = i + 1
		state["owner"].(map[string]any)["name"] = fmt.Sprint("user-", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Close(ctx))

	logs := sender.SentLogs()
	require.Len(t, logs, 100)
	assert.Equal(t, map[string]any{
		"state": map[string]any{
			"tick":  int64(0),
			"owner": map[string]any{"name": "alice"},
		},
	}, logs[0].Context["properties"])
	for i, log := range logs[1:] {
		props := log.Context["properties"].(map[string]any)
		assert.Equal(t, int64(i+1), props["state"].(map[string]any)["tick"])
	}
}
