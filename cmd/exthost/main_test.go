package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wippyai/exthost/extension"
	"github.com/wippyai/exthost/testbed"
	"github.com/wippyai/exthost/transport"
)

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeFixture(t *testing.T, dir string, abi string) (wasm, wit string) {
	t.Helper()
	wasm = filepath.Join(dir, "ext.wasm")
	wit = filepath.Join(dir, "ext.wit")
	if err := os.WriteFile(wasm, testbed.Module(abi), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(wit, []byte(testbed.WIT), 0o644); err != nil {
		t.Fatal(err)
	}
	return wasm, wit
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readFile(path string) string {
	data, _ := os.ReadFile(path)
	return string(data)
}

type served struct {
	code  chan int
	done  chan struct{}
	out   *syncBuffer
	ready string
}

// startServe runs serve in the background with a short idle timeout.
func startServe(t *testing.T, ctx context.Context, abi string, extra ...string) *served {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	wasm, wit := writeFixture(t, dir, abi)
	conf := filepath.Join(dir, "exthost.toml")
	err := os.WriteFile(conf, []byte(`
[lifetime]
idle_timeout = "1s"
normal_interval = "20ms"
shutdown_interval = "5ms"

[workers]
count = 2
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	s := &served{
		code:  make(chan int, 1),
		done:  make(chan struct{}),
		out:   &syncBuffer{},
		ready: filepath.Join(dir, "ready"),
	}
	args := append([]string{"-ready", s.ready, "-wit", wit, "-log-level", "error"}, extra...)
	args = append(args, wasm)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		s.code <- serve(ctx, args, s.out)
	}()
	t.Cleanup(func() {
		cancel()
		<-s.done
	})
	return s
}

func (s *served) exit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-s.code:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not exit")
		return -1
	}
}

func TestServe_ReadyCallIdleExit(t *testing.T) {
	s := startServe(t, context.Background(), testbed.ABI)

	waitFor(t, "readiness", func() bool { return readFile(s.ready) == "ready\n" })
	url := strings.TrimSpace(s.out.String())
	if !strings.HasPrefix(url, "ws://127.0.0.1:") {
		t.Fatalf("url = %q", url)
	}

	c, err := transport.Dial(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	sess := &session{client: c, thread: 3}
	st, err := sess.stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var open *extension.Signature
	for _, sig := range st.Exports {
		if sig.Name == "open" {
			open = sig
		}
	}
	if open == nil || open.Params[0].Kind != extension.KindS64 {
		t.Fatalf("exports = %+v", st.Exports)
	}
	if _, err := sess.call(context.Background(), open, []string{"12"}); err != nil {
		t.Fatal(err)
	}
	c.Close()

	if code := s.exit(t); code != 0 {
		t.Fatalf("exit code %d", code)
	}
}

func TestServe_StartupFailureSignalsFailed(t *testing.T) {
	s := startServe(t, context.Background(), "9.0.0")

	if code := s.exit(t); code != 1 {
		t.Fatalf("exit code %d", code)
	}
	got := readFile(s.ready)
	if !strings.HasPrefix(got, "failed: ") || strings.Count(got, "\n") != 1 {
		t.Fatalf("readiness = %q", got)
	}
}

func TestServe_ConfigFailureSignalsFailed(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	t.Setenv("EXTHOST_READY", ready)

	if code := serve(context.Background(), []string{"-workers", "-3"}, &syncBuffer{}); code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if got := readFile(ready); !strings.HasPrefix(got, "failed: ") {
		t.Fatalf("readiness = %q", got)
	}
}

func TestServe_CanceledContextExits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := startServe(t, ctx, testbed.ABI, "-idle-timeout", "0")
	waitFor(t, "readiness", func() bool { return readFile(s.ready) == "ready\n" })

	cancel()
	if code := s.exit(t); code != 0 {
		t.Fatalf("exit code %d", code)
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		kind    extension.ValueKind
		in      string
		want    any
		wantErr bool
	}{
		{extension.KindString, "hello world", "hello world", false},
		{extension.KindBool, "true", true, false},
		{extension.KindS32, "-7", int64(-7), false},
		{extension.KindS32, "4294967296", nil, true},
		{extension.KindU32, "7", uint64(7), false},
		{extension.KindU32, "-1", nil, true},
		{extension.KindS64, "9007199254740993", int64(9007199254740993), false},
		{extension.KindU64, "18446744073709551615", uint64(18446744073709551615), false},
		{extension.KindF64, "2.5", 2.5, false},
		{extension.KindOwn, "12", uint64(12), false},
		{extension.KindBorrow, "x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.in, func(t *testing.T) {
			got, err := parseArg(extension.Param{Name: "p", Type: tt.kind.String(), Kind: tt.kind}, tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseArg(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("parseArg(%q) = %#v, %v; want %#v", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestConsoleLines(t *testing.T) {
	s := startServe(t, context.Background(), testbed.ABI, "-idle-timeout", "0")
	waitFor(t, "readiness", func() bool { return readFile(s.ready) == "ready\n" })

	c, err := transport.Dial(context.Background(), strings.TrimSpace(s.out.String()))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	sess := &session{client: c, thread: 9}

	in := strings.NewReader(strings.Join([]string{
		"list",
		"scope",
		"open 4",
		"nosuch",
		"open notanumber",
		"release",
		"scope",
		"stats",
		"quit",
		"open 5",
	}, "\n"))
	var out bytes.Buffer
	if err := sess.lines(context.Background(), in, &out); err != nil {
		t.Fatal(err)
	}

	text := out.String()
	for _, want := range []string{
		"open: func(rep: s64) -> own<file>",
		`"owned":[`,
		`function "nosuch" not found`,
		"is not a s64",
		`"live_scopes":0`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if sess.scope != "" || len(sess.held) != 0 {
		t.Fatalf("scope %q held %v after release and end", sess.scope, sess.held)
	}
}
