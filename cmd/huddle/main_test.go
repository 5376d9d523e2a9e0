package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/huddle/internal/attachment"
	"github.com/chronologos/huddle/internal/auth"
	"github.com/chronologos/huddle/internal/client"
	"github.com/chronologos/huddle/internal/config"
	"github.com/chronologos/huddle/internal/protocol"
	"github.com/chronologos/huddle/internal/registry"
	"github.com/chronologos/huddle/internal/server"
	"github.com/chronologos/huddle/internal/telemetry"
	"github.com/chronologos/huddle/internal/transport"
	"github.com/chronologos/huddle/internal/version"
)

var testUsers = auth.Table{"alice": "1234", "bob": "abcd"}

func startRelay(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.New(registry.New(), testUsers).Serve(ctx, ln)
	}()
	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return ln.Addr().String(), stop
}

func dial(t *testing.T, addr, username string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{Addr: addr, Username: username, Password: testUsers[username]})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// inbox collects frames seen by an observing client.
type inbox chan string

func (in inbox) OnText(msg string)   { in <- "TEXT " + msg }
func (in inbox) OnSystem(msg string) { in <- "SYS " + msg }
func (in inbox) OnAttachment(tag string, meta protocol.Metadata, body []byte) {
	in <- tag + " " + meta.Filename + " " + string(body)
}

func (in inbox) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-in:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for frame")
		return ""
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newLockedBuffer() *lockedBuffer { return &lockedBuffer{} }

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runChatAsync(c *client.Client, in io.Reader, out io.Writer, sink attachment.Sink) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- runChat(context.Background(), c, in, out, sink) }()
	return ch
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runChat did not return")
		return nil
	}
}

func TestRunChat(t *testing.T) {
	addr, _ := startRelay(t)
	bob := dial(t, addr, "bob")
	seen := make(inbox, 16)
	go bob.Receive(seen)

	pdf := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(pdf, []byte("%PDF-1.7"), 0o644))

	alice := dial(t, addr, "alice")
	assert.Equal(t, "SYS *** alice joined the chat ***\n", seen.next(t))

	input := strings.Join([]string{
		"hello bob",
		"",
		"/pdf " + pdf,
		"/image",
		"/image /does/not/exist.png",
		"/quit",
	}, "\n") + "\n"
	out := newLockedBuffer()
	sink, err := attachment.NewDiskSink(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, wait(t, runChatAsync(alice, strings.NewReader(input), out, sink)))

	assert.Equal(t, "TEXT [alice] hello bob\n", seen.next(t))
	assert.Equal(t, "SYS *** PDF from alice: doc.pdf ***\n", seen.next(t))
	assert.Equal(t, "FILE doc.pdf %PDF-1.7", seen.next(t))
	assert.Equal(t, "SYS *** alice left the chat ***\n", seen.next(t))

	got := out.String()
	assert.Contains(t, got, "*** PDF sent: doc.pdf ***")
	assert.Contains(t, got, "Usage: /image <path>")
	assert.Contains(t, got, "file not found: /does/not/exist.png")
	assert.Contains(t, got, "Disconnected.")
}

func TestRunChatSavesIncoming(t *testing.T) {
	addr, _ := startRelay(t)
	alice := dial(t, addr, "alice")

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	dir := t.TempDir()
	sink, err := attachment.NewDiskSink(dir)
	require.NoError(t, err)
	out := newLockedBuffer()
	done := runChatAsync(alice, pr, out, sink)

	bob := dial(t, addr, "bob")
	require.NoError(t, bob.SendVoice([]byte("RIFFdata")))
	require.NoError(t, bob.SendFile("cat.png", protocol.KindImage, []byte("png")))

	want := filepath.Join(dir, "received_cat.png")
	require.Eventually(t, func() bool {
		_, err := os.Stat(want)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)

	voice, err := os.ReadFile(filepath.Join(dir, "received_bob_voice.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFFdata", string(voice))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[IMAGE] Received image from bob: saved -> "+want)
	}, 3*time.Second, 10*time.Millisecond)
	got := out.String()
	assert.Contains(t, got, "*** bob joined the chat ***\n")
	assert.Contains(t, got, "*** Voice message from bob ***\n")
	assert.Contains(t, got, "[VOICE] Voice message from bob: saved -> ")

	pw.Close()
	require.NoError(t, wait(t, done))
}

func TestRunChatServerShutdown(t *testing.T) {
	addr, stop := startRelay(t)
	alice := dial(t, addr, "alice")

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	out := newLockedBuffer()
	sink, err := attachment.NewDiskSink(t.TempDir())
	require.NoError(t, err)
	done := runChatAsync(alice, pr, out, sink)

	stop()
	require.NoError(t, wait(t, done))
	assert.Contains(t, out.String(), server.ShutdownNotice+"\n*** Disconnected from server ***\n")
}

func TestPrinterReportsSinkFailure(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{ctx: context.Background(), out: &syncWriter{w: &buf}, sink: failingSink{}}
	p.OnAttachment(protocol.TypeFile, protocol.Metadata{}, []byte("x"))
	assert.Equal(t, "Failed to save file.bin from unknown: disk full\n", buf.String())
}

func TestPrinterSystemNewline(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{ctx: context.Background(), out: &syncWriter{w: &buf}}
	p.OnSystem("Server is shutting down")
	p.OnSystem("*** bob joined the chat ***\n")
	assert.Equal(t, "Server is shutting down\n*** bob joined the chat ***\n", buf.String())
}

type failingSink struct{}

func (failingSink) Persist(context.Context, string, []byte) (string, error) {
	return "", errors.New("disk full")
}

func TestApplyServeFlags(t *testing.T) {
	var f serveFlags
	cmd := &cobra.Command{Use: "serve"}
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--listen", ":7000", "--log-format", "json", "--http-listen", ":8080"}))

	cfg := config.Default()
	cfg.QUICListen = ":7001"
	applyServeFlags(cmd, &cfg, f)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.Equal(t, ":7001", cfg.QUICListen, "unset flag keeps config value")
	assert.Equal(t, ":8080", cfg.HTTPListen)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, config.DefaultUsersFile, cfg.UsersFile)
}

func TestBuildSink(t *testing.T) {
	sink, err := buildSink(config.SinkConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &attachment.DiskSink{}, sink)

	sink, err = buildSink(config.SinkConfig{S3: &attachment.S3Config{Bucket: "b", Region: "us-east-1"}})
	require.NoError(t, err)
	assert.IsType(t, &attachment.S3Sink{}, sink)
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--short"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, version.VERSION+"\n", out.String())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunServerExportsSessionSpans(t *testing.T) {
	users := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(users, []byte(`{"alice": "1234"}`), 0o600))

	cfg := config.Default()
	cfg.Listen = freeAddr(t)
	cfg.UsersFile = users
	cfg.Tracing = telemetry.Config{Exporter: telemetry.ExporterStdout}

	out := newLockedBuffer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, out) }()

	var c *client.Client
	require.Eventually(t, func() bool {
		dctx, dcancel := context.WithTimeout(context.Background(), time.Second)
		defer dcancel()
		var err error
		c, err = client.Dial(dctx, client.Config{Addr: cfg.Listen, Username: "alice", Password: "1234"})
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, c.Quit())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServer did not return")
	}

	logs := out.String()
	assert.Contains(t, logs, "loaded credentials")
	assert.Contains(t, logs, `"Name":"session"`)
	assert.Contains(t, logs, `"Value":"alice"`)
}
