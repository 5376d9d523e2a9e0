package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chronologos/huddle/internal/config"
	"github.com/chronologos/huddle/internal/protocol"
)

func sendCmd() *cobra.Command {
	var (
		f     dialFlags
		file  string
		kind  string
		voice bool
	)

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send one message or file and leave",
		Example: `  huddle send -u alice -p 1234 "build finished"
  huddle send -u alice -p 1234 --file report.pdf --kind PDF
  huddle send -u alice -p 1234 --file clip.wav --voice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" && file == "" {
				return errors.New("nothing to send: give a message or --file")
			}

			cfg, err := config.Load(f.config)
			if err != nil {
				return err
			}
			c, err := f.dial(cmd.Context(), cfg, bufio.NewReader(cmd.InOrStdin()), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			if text != "" {
				if err := c.SendText(text); err != nil {
					c.Close()
					return err
				}
			}
			if file != "" {
				body, err := os.ReadFile(file)
				if err != nil {
					c.Close()
					return err
				}
				if voice {
					err = c.SendVoice(body)
				} else {
					err = c.SendFile(file, strings.ToUpper(kind), body)
				}
				if err != nil {
					c.Close()
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "sent %s\n", file)
			}
			return c.Quit()
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "attachment to send")
	cmd.Flags().StringVarP(&kind, "kind", "k", protocol.KindFile, "attachment kind: IMAGE, PDF, FILE, ...")
	cmd.Flags().BoolVar(&voice, "voice", false, "send --file as a voice message")
	return cmd
}
