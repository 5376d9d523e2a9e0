package client

import (
	"testing"

	"github.com/chronologos/huddle/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"", Command{Action: ActionNone}},
		{"   ", Command{Action: ActionNone}},
		{"hello there", Command{Action: ActionText, Text: "hello there"}},
		{"/quit", Command{Action: ActionQuit}},
		{"  /quit  ", Command{Action: ActionQuit}},
		{"/voice clip.wav", Command{Action: ActionVoice, Kind: protocol.KindVoice, Path: "clip.wav"}},
		{"/voice", Command{Action: ActionUsage, Text: "Usage: /voice <path.wav>"}},
		{`/image "my cat.png"`, Command{Action: ActionFile, Kind: protocol.KindImage, Path: "my cat.png"}},
		{"/pdf report.pdf", Command{Action: ActionFile, Kind: protocol.KindPDF, Path: "report.pdf"}},
		{"/file a.zip", Command{Action: ActionFile, Kind: protocol.KindFile, Path: "a.zip"}},
		{"/pdf", Command{Action: ActionUsage, Text: "Usage: /pdf <path>"}},
		{"/unknown thing", Command{Action: ActionText, Text: "/unknown thing"}},
	}
	for _, tt := range tests {
		if got := ParseCommand(tt.line); got != tt.want {
			t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}
