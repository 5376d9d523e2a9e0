package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chronologos/huddle/internal/attachment"
	"github.com/chronologos/huddle/internal/client"
	"github.com/chronologos/huddle/internal/protocol"
)

// syncWriter serialises writes from the input loop and the receiver.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// printer renders received frames and persists attachments.
type printer struct {
	ctx  context.Context
	out  *syncWriter
	sink attachment.Sink
}

func (p *printer) OnText(msg string) { p.out.Printf("%s", msg) }

func (p *printer) OnSystem(msg string) {
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	p.out.Printf("%s", msg)
}

func (p *printer) OnAttachment(tag string, meta protocol.Metadata, body []byte) {
	from := meta.Username
	if from == "" {
		from = "unknown"
	}
	where, err := p.sink.Persist(p.ctx, meta.Name(), body)
	if err != nil {
		p.out.Printf("Failed to save %s from %s: %v\n", meta.Name(), from, err)
		return
	}

	size := client.FormatBytes(uint64(len(body)))
	switch kind := meta.Kind(); {
	case tag == protocol.TypeVoice:
		p.out.Printf("[VOICE] Voice message from %s: saved -> %s (%s)\n", from, where, size)
	case kind == protocol.KindImage:
		p.out.Printf("[IMAGE] Received image from %s: saved -> %s (%s)\n", from, where, size)
	default:
		p.out.Printf("[FILE] Received %s from %s: saved -> %s (%s)\n", kind, from, where, size)
	}
}

// runChat relays lines from in to the relay and prints what arrives until
// the user quits, in closes, ctx is canceled, or the relay goes away.
func runChat(ctx context.Context, c *client.Client, in io.Reader, out io.Writer, sink attachment.Sink) error {
	w := &syncWriter{w: out}

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- c.Receive(&printer{ctx: ctx, out: w, sink: sink})
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	leave := func() error {
		_ = c.Quit()
		err := <-recvDone
		w.Printf("Disconnected.\n")
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return leave()

		case err := <-recvDone:
			w.Printf("*** Disconnected from server ***\n")
			_ = c.Close()
			return err

		case line, ok := <-lines:
			if !ok {
				return leave()
			}
			cmd := client.ParseCommand(line)
			if cmd.Action == client.ActionQuit {
				return leave()
			}
			if err := handleCommand(c, cmd, w); err != nil {
				w.Printf("%v\n", err)
			}
		}
	}
}

func handleCommand(c *client.Client, cmd client.Command, w *syncWriter) error {
	switch cmd.Action {
	case client.ActionText:
		return c.SendText(cmd.Text)

	case client.ActionUsage:
		w.Printf("%s\n", cmd.Text)

	case client.ActionVoice:
		wav, err := os.ReadFile(cmd.Path)
		if err != nil {
			return fmt.Errorf("read voice clip: %w", err)
		}
		if err := c.SendVoice(wav); err != nil {
			return fmt.Errorf("send voice: %w", err)
		}
		w.Printf("*** Voice message sent ***\n")

	case client.ActionFile:
		body, err := os.ReadFile(cmd.Path)
		if err != nil {
			return fmt.Errorf("file not found: %s", cmd.Path)
		}
		if err := c.SendFile(cmd.Path, cmd.Kind, body); err != nil {
			return fmt.Errorf("send file: %w", err)
		}
		w.Printf("*** %s sent: %s ***\n", cmd.Kind, filepath.Base(cmd.Path))
	}
	return nil
}
