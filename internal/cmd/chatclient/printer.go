package chatclient

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/termchat/internal/services/chat/client"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

// printer renders frames and notices as terminal lines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	loc *time.Location
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, loc: time.Local}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) clock(frame protocol.Frame) string {
	at, err := frame.Time()
	if err != nil {
		at = time.Now()
	}
	return at.In(p.loc).Format("15:04:05")
}

func (p *printer) frame(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeMessage:
		p.line("[%s] %s: %s", p.clock(frame), frame.Username, frame.Content)
	case protocol.TypeUserJoined:
		p.line("[%s] * %s joined", p.clock(frame), frame.Username)
	case protocol.TypeUserLeft:
		p.line("[%s] * %s left", p.clock(frame), frame.Username)
	case protocol.TypeActiveUsers:
		names := make([]string, 0, len(frame.Users))
		for _, user := range frame.Users {
			names = append(names, user.Username)
		}
		p.line("* online (%d): %s", frame.Count, strings.Join(names, ", "))
	case protocol.TypeError:
		p.line("! %s", frame.Message)
	}
}

func (p *printer) status(status client.Status) {
	switch status {
	case client.StatusConnecting:
		p.line("-- connecting...")
	case client.StatusConnected:
		p.line("-- connected")
	case client.StatusDisconnected:
		p.line("-- disconnected")
	case client.StatusConnectionLost:
		p.line("-- connection lost")
	case client.StatusReconnecting:
		p.line("-- reconnecting...")
	case client.StatusReconnected:
		p.line("-- reconnected")
	case client.StatusOfflineQueued:
		p.line("-- offline: message queued")
	}
}
