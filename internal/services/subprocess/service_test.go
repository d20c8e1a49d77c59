//go:build !windows

package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raldone01/borgback/internal/models"
)

// TestHelperProcess is not a real test. It is executed as the child process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}

	switch args[0] {
	case "lines":
		fmt.Fprintln(os.Stdout, "out-1")
		fmt.Fprintln(os.Stderr, "err-1")
		fmt.Fprint(os.Stdout, "out-2")
		os.Exit(0)
	case "exit":
		code, _ := strconv.Atoi(args[1])
		fmt.Fprintln(os.Stderr, "something went wrong")
		os.Exit(code)
	case "flood":
		fmt.Fprintln(os.Stdout, strings.Repeat("x", 1<<20))
		for i := 0; i < 5000; i++ {
			fmt.Fprintf(os.Stderr, "progress %d\n", i)
		}
		os.Exit(0)
	case "env":
		wd, _ := os.Getwd()
		fmt.Fprintln(os.Stdout, "value="+os.Getenv("BORGBACK_TEST_VALUE"))
		fmt.Fprintln(os.Stdout, "wd="+wd)
		os.Exit(0)
	case "orphan":
		// The child leaves the process group and keeps stdout and stderr open.
		child := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "sleep")
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		child.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := child.Start(); err != nil {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stdout, "spawned")
		os.Exit(0)
	case "sleep":
		time.Sleep(10 * time.Second)
		os.Exit(0)
	case "wait":
		code, _ := strconv.Atoi(args[1])
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM)
		fmt.Fprintln(os.Stdout, "ready")
		select {
		case <-ch:
			fmt.Fprintln(os.Stdout, "terminated")
			os.Exit(code)
		case <-time.After(time.Minute):
			os.Exit(99)
		}
	}
	os.Exit(2)
}

func helperSpec(label models.Phase, policy models.StderrPolicy, args ...string) models.CommandSpec {
	return models.CommandSpec{
		Args:         append([]string{os.Args[0], "-test.run=TestHelperProcess", "--"}, args...),
		Label:        label,
		StderrPolicy: policy,
	}
}

func helperOpts(extra ...string) Options {
	return Options{Env: append([]string{"GO_WANT_HELPER_PROCESS=1"}, extra...)}
}

// syncBuffer is written by both drain goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) events(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal(line, &ev))
		out = append(out, ev)
	}
	return out
}

func (b *syncBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(b.buf.String(), s)
}

func findEvent(events []map[string]any, message string) map[string]any {
	for _, ev := range events {
		if ev["message"] == message {
			return ev
		}
	}
	return nil
}

func newTestRunner() (*Impl, *syncBuffer) {
	buf := &syncBuffer{}
	return New(zerolog.New(buf), "repo.test.borg"), buf
}

func TestRun_StreamsStdoutAndStderr(t *testing.T) {
	r, buf := newTestRunner()

	result := r.Run(context.Background(), helperSpec(models.PhaseCreate, models.StderrAsInfo, "lines"), helperOpts())

	assert.Equal(t, models.ResultSuccess, result)
	events := buf.events(t)

	out1 := findEvent(events, "out-1")
	require.NotNil(t, out1)
	assert.Equal(t, "info", out1["level"])
	assert.Equal(t, "repo.test.borg.create", out1["component"])

	// The last line has no trailing newline.
	require.NotNil(t, findEvent(events, "out-2"))

	err1 := findEvent(events, "err-1")
	require.NotNil(t, err1)
	assert.Equal(t, "info", err1["level"])

	summary := events[len(events)-1]
	assert.Equal(t, "info", summary["level"])
	assert.Contains(t, summary["message"], `"create" finished in 00:00:`)
}

func TestRun_StderrAsError(t *testing.T) {
	r, buf := newTestRunner()

	result := r.Run(context.Background(), helperSpec(models.PhaseCustom, models.StderrAsError, "lines"), helperOpts())

	assert.Equal(t, models.ResultSuccess, result)
	err1 := findEvent(buf.events(t), "err-1")
	require.NotNil(t, err1)
	assert.Equal(t, "error", err1["level"])
}

func TestRun_NonZeroExit(t *testing.T) {
	r, buf := newTestRunner()

	result := r.Run(context.Background(), helperSpec(models.PhasePrune, models.StderrAsInfo, "exit", "3"), helperOpts())

	assert.Equal(t, models.RunResult(3), result)
	events := buf.events(t)
	summary := events[len(events)-1]
	assert.Equal(t, "error", summary["level"])
	assert.Equal(t, float64(3), summary["exit_code"])
	assert.Contains(t, summary["message"], `failed to run "prune"`)
	assert.Contains(t, summary["message"], "exit: 3")
}

func TestRun_MissingBinary(t *testing.T) {
	r, buf := newTestRunner()

	spec := models.CommandSpec{Args: []string{filepath.Join(t.TempDir(), "no-such-borg"), "create"}, Label: models.PhaseCreate}
	result := r.Run(context.Background(), spec, helperOpts())

	assert.Equal(t, models.ResultNotStarted, result)
	events := buf.events(t)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["level"])
	assert.NotEmpty(t, events[0]["error"])
}

func TestRun_EmptyCommand(t *testing.T) {
	r, _ := newTestRunner()

	result := r.Run(context.Background(), models.CommandSpec{Label: models.PhaseCustom}, Options{})

	assert.Equal(t, models.ResultNotStarted, result)
}

func TestRun_LargeOutputDoesNotBlock(t *testing.T) {
	r := New(zerolog.New(io.Discard), "repo.test.borg")
	done := make(chan models.RunResult, 1)

	go func() {
		done <- r.Run(context.Background(), helperSpec(models.PhaseCreate, models.StderrAsInfo, "flood"), helperOpts())
	}()

	select {
	case result := <-done:
		assert.Equal(t, models.ResultSuccess, result)
	case <-time.After(30 * time.Second):
		t.Fatal("run did not finish, output streams are not drained concurrently")
	}
}

func TestRun_LongLineIsKeptWhole(t *testing.T) {
	r, buf := newTestRunner()

	result := r.Run(context.Background(), helperSpec(models.PhaseCreate, models.StderrAsInfo, "flood"), helperOpts())

	require.Equal(t, models.ResultSuccess, result)
	assert.NotNil(t, findEvent(buf.events(t), strings.Repeat("x", 1<<20)))
}

func TestRun_EnvironmentAndWorkingDirectory(t *testing.T) {
	r, buf := newTestRunner()
	dir := t.TempDir()

	opts := helperOpts("BORGBACK_TEST_VALUE=hello")
	opts.Dir = dir
	result := r.Run(context.Background(), helperSpec(models.PhaseCustom, models.StderrAsInfo, "env"), opts)

	require.Equal(t, models.ResultSuccess, result)
	events := buf.events(t)
	assert.NotNil(t, findEvent(events, "value=hello"))

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.NotNil(t, findEvent(events, "wd="+resolved))
}

func startWaiting(t *testing.T, ctx context.Context, r *Impl, buf *syncBuffer, exitCode string) <-chan models.RunResult {
	t.Helper()
	results := make(chan models.RunResult, 1)
	go func() {
		results <- r.Run(ctx, helperSpec(models.PhaseCreate, models.StderrAsInfo, "wait", exitCode), helperOpts())
	}()
	require.Eventually(t, func() bool { return buf.contains(`"ready"`) }, 10*time.Second, 10*time.Millisecond)
	return results
}

func TestCancel_TerminatesRunningProcess(t *testing.T) {
	r, buf := newTestRunner()
	results := startWaiting(t, context.Background(), r, buf, "0")

	r.Cancel()

	select {
	case result := <-results:
		// The helper exits 0 on SIGTERM, a canceled run still is no success.
		assert.Equal(t, models.ResultCanceled, result)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after Cancel")
	}
	assert.NotNil(t, findEvent(buf.events(t), "terminated"))
}

func TestCancel_KeepsExitCode(t *testing.T) {
	r, buf := newTestRunner()
	results := startWaiting(t, context.Background(), r, buf, "3")

	r.Cancel()
	r.Cancel()

	select {
	case result := <-results:
		assert.Equal(t, models.RunResult(3), result)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after Cancel")
	}
}

func TestCancel_NoopWhenIdle(t *testing.T) {
	r, _ := newTestRunner()

	done := make(chan struct{})
	go func() {
		r.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cancel blocked without a running process")
	}
}

func TestRun_LeftoverChildDoesNotBlock(t *testing.T) {
	r, buf := newTestRunner()
	r.waitDelay = 200 * time.Millisecond

	results := make(chan models.RunResult, 1)
	go func() {
		results <- r.Run(context.Background(), helperSpec(models.PhaseCustom, models.StderrAsInfo, "orphan"), helperOpts())
	}()

	select {
	case result := <-results:
		assert.Equal(t, models.ResultSuccess, result)
	case <-time.After(5 * time.Second):
		t.Fatal("run blocked on pipes held by a leftover child")
	}
	assert.True(t, buf.contains(`"spawned"`))
	assert.True(t, buf.contains("output pipes still open"))
}

func TestNew_DefaultWaitDelay(t *testing.T) {
	r, _ := newTestRunner()
	assert.Equal(t, DefaultWaitDelay, r.waitDelay)
}

func TestRun_ContextCancellation(t *testing.T) {
	r, buf := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	results := startWaiting(t, ctx, r, buf, "0")

	cancel()

	select {
	case result := <-results:
		assert.Equal(t, models.ResultCanceled, result)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after context cancellation")
	}
}

func TestRun_AlreadyCanceledContext(t *testing.T) {
	r, _ := newTestRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Run(ctx, helperSpec(models.PhaseCreate, models.StderrAsInfo, "lines"), helperOpts())

	assert.False(t, result.OK())
}

func TestRun_Reusable(t *testing.T) {
	r, _ := newTestRunner()

	assert.Equal(t, models.ResultSuccess, r.Run(context.Background(), helperSpec(models.PhaseCreate, models.StderrAsInfo, "lines"), helperOpts()))
	assert.Equal(t, models.RunResult(4), r.Run(context.Background(), helperSpec(models.PhasePrune, models.StderrAsInfo, "exit", "4"), helperOpts()))
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, models.ResultNotStarted, resultOf(nil, nil, nil, false))
	assert.Equal(t, models.ResultCanceled, resultOf(nil, nil, nil, true))
}

func TestFormatElapsed(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatElapsed(0))
	assert.Equal(t, "00:01:05", FormatElapsed(65*time.Second))
	assert.Equal(t, "01:00:01", FormatElapsed(time.Hour+time.Second))
	assert.Equal(t, "26:03:04", FormatElapsed(26*time.Hour+3*time.Minute+4*time.Second))
	assert.Equal(t, "00:00:02", FormatElapsed(1600*time.Millisecond))
}

func TestDecodeLine(t *testing.T) {
	assert.Equal(t, "abc", decodeLine("abc\r\n"))
	assert.Equal(t, "  indented", decodeLine("  indented\n"))
	assert.Equal(t, "bad�", decodeLine("bad\xff\n"))
}
