package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	stderr = os.Stderr
	isTerminalFn = func(int) bool { return false }
	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func captureStderr(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	mu.Lock()
	stderr = buf
	mu.Unlock()
	t.Cleanup(resetLoggingState)
	return buf
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	buf := captureStderr(t)

	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "gateway",
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	log.Info().Msg("hello")
	event := readJSONLine(t, buf)
	if event["component"] != "gateway" {
		t.Fatalf("expected component gateway, got %v", event["component"])
	}
	if event["message"] != "hello" {
		t.Fatalf("expected message hello, got %v", event["message"])
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	captureStderr(t)

	Init(Config{Format: "console"})

	mu.RLock()
	defer mu.RUnlock()
	if _, ok := baseWriter.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("expected console writer, got %T", baseWriter)
	}
}

func TestInitAutoFormatWithoutTerminalUsesJSON(t *testing.T) {
	buf := captureStderr(t)

	Init(Config{Format: "auto"})

	mu.RLock()
	writer := baseWriter
	mu.RUnlock()
	if writer != io.Writer(buf) {
		t.Fatalf("expected raw writer for non-terminal output, got %T", writer)
	}
}

func TestNewTagsComponent(t *testing.T) {
	buf := captureStderr(t)
	Init(Config{Format: "json", Component: "studio"})

	logger := New("payments")
	logger.Info().Msg("intake")

	event := readJSONLine(t, buf)
	if event["component"] != "payments" {
		t.Fatalf("expected component payments, got %v", event["component"])
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	buf := captureStderr(t)
	Init(Config{Format: "json"})

	ctx, id := WithRequestID(context.Background(), "")
	if id == "" {
		t.Fatal("expected generated request ID")
	}
	if RequestID(ctx) != id {
		t.Fatalf("RequestID() = %q, want %q", RequestID(ctx), id)
	}

	logger := FromContext(ctx)
	logger.Info().Msg("with id")

	event := readJSONLine(t, buf)
	if event["request_id"] != id {
		t.Fatalf("expected request_id %q, got %v", id, event["request_id"])
	}
}

func TestWithRequestIDTrimsWhitespace(t *testing.T) {
	_, id := WithRequestID(context.Background(), "  abc-123  ")
	if id != "abc-123" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestFromContextPrefersStoredLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	t.Cleanup(resetLoggingState)

	custom := zerolog.New(buf).With().Str("custom", "yes").Logger()
	ctx := WithLogger(context.Background(), custom)

	logger := FromContext(ctx)
	logger.Info().Msg("stored")

	event := readJSONLine(t, buf)
	if event["custom"] != "yes" {
		t.Fatalf("expected stored logger to be used, got %v", event)
	}
}

func TestParseLevelInvalidFallsBackToInfo(t *testing.T) {
	buf := captureStderr(t)

	if got := parseLevel("loud"); got != zerolog.InfoLevel {
		t.Fatalf("parseLevel(loud) = %s, want info", got)
	}
	if !strings.Contains(buf.String(), "invalid level") {
		t.Fatalf("expected warning on stderr, got %q", buf.String())
	}
}

func TestInitThreadSafety(t *testing.T) {
	captureStderr(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Init(Config{Format: "json", Level: "warn"})
			_ = FromContext(context.Background())
		}()
	}
	wg.Wait()
}
