package client

import (
	"strings"

	"github.com/chronologos/huddle/internal/protocol"
)

// Action is what an input line asks the client to do.
type Action int

const (
	ActionText  Action = iota // send the line as TEXT
	ActionQuit                // /quit
	ActionVoice               // /voice <wav>
	ActionFile                // /image, /pdf or /file <path>
	ActionUsage               // a command that is missing its argument
	ActionNone                // blank line
)

// Command is a parsed input line.
type Command struct {
	Action Action
	Kind   string // attachment kind for ActionFile
	Path   string // attachment path, unquoted
	Text   string // the line for ActionText, the usage hint for ActionUsage
}

var fileCommands = map[string]string{
	"/image": protocol.KindImage,
	"/pdf":   protocol.KindPDF,
	"/file":  protocol.KindFile,
}

// ParseCommand interprets one line of user input.
func ParseCommand(line string) Command {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Command{Action: ActionNone}
	}

	name, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.Trim(strings.TrimSpace(arg), `"`)

	switch name {
	case protocol.QuitCommand:
		return Command{Action: ActionQuit}
	case "/voice":
		if arg == "" {
			return Command{Action: ActionUsage, Text: "Usage: /voice <path.wav>"}
		}
		return Command{Action: ActionVoice, Kind: protocol.KindVoice, Path: arg}
	}
	if kind, ok := fileCommands[name]; ok {
		if arg == "" {
			return Command{Action: ActionUsage, Text: "Usage: " + name + " <path>"}
		}
		return Command{Action: ActionFile, Kind: kind, Path: arg}
	}
	return Command{Action: ActionText, Text: line}
}
