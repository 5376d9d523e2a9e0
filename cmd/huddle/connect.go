package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/chronologos/huddle/internal/attachment"
	"github.com/chronologos/huddle/internal/client"
	"github.com/chronologos/huddle/internal/config"
	"github.com/chronologos/huddle/internal/transport"
)

const dialTimeout = 10 * time.Second

// dialFlags are shared by connect and send.
type dialFlags struct {
	config   string
	addr     string
	mode     string
	username string
	password string
}

func (f *dialFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "YAML config file (log and sink settings)")
	fl.StringVarP(&f.addr, "addr", "a", "127.0.0.1:5000", "relay address, or a ws:// URL with --mode ws")
	fl.StringVarP(&f.mode, "mode", "m", "tcp", "transport: tcp, quic or ws")
	fl.StringVarP(&f.username, "user", "u", "", "username (prompted when empty)")
	fl.StringVarP(&f.password, "password", "p", "", "password (prompted when empty)")
}

// dial resolves credentials, prompting on in/out as needed, and connects.
func (f *dialFlags) dial(ctx context.Context, cfg config.Config, in *bufio.Reader, out io.Writer) (*client.Client, error) {
	mode, err := transport.ParseDialMode(f.mode)
	if err != nil {
		return nil, err
	}

	username := strings.TrimSpace(f.username)
	if username == "" {
		if username, err = prompt(in, out, "Username: "); err != nil {
			return nil, err
		}
	}
	password := f.password
	if password == "" {
		if password, err = promptPassword(in, out); err != nil {
			return nil, err
		}
	}

	logger, err := config.NewLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return client.Dial(dctx, client.Config{
		Addr:     f.addr,
		Mode:     mode,
		Username: username,
		Password: strings.TrimSpace(password),
		Logger:   logger,
	})
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(label, ": "), err)
	}
	return strings.TrimSpace(line), nil
}

// promptPassword hides input on a terminal and falls back to a plain line
// read for pipes.
func promptPassword(in *bufio.Reader, out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(in, out, "Password: ")
	}
	fmt.Fprint(out, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func connectCmd() *cobra.Command {
	var (
		f   dialFlags
		dir string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join the chat interactively",
		Long: `Join the chat. Type a line to send it. Commands:

  /quit            leave the chat
  /voice <wav>     send a WAV clip as a voice message
  /image <path>    send an image
  /pdf <path>      send a PDF
  /file <path>     send any other file

Received voice clips and files are saved as received_<name> in --dir,
or uploaded to S3 when the config has a sink.s3 section.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dir") {
				cfg.Sink.Dir = dir
			}
			sink, err := buildSink(cfg.Sink)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			c, err := f.dial(ctx, cfg, in, out)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "*** Authentication successful. Joined chat. ***")
			fmt.Fprintln(out, `Type messages and press Enter. /quit to exit, "huddle connect --help" for commands.`)
			return runChat(ctx, c, in, out, sink)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory for received attachments")
	return cmd
}

// buildSink returns the S3 sink when configured, else a disk sink.
func buildSink(sc config.SinkConfig) (attachment.Sink, error) {
	if sc.S3 != nil {
		return attachment.NewS3Sink(attachment.NewS3Client(*sc.S3), sc.S3.Bucket, sc.S3.Prefix), nil
	}
	return attachment.NewDiskSink(sc.Dir)
}
