package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/sipeed/walink/pkg/bus"
	"github.com/sipeed/walink/pkg/wa"
)

const consoleHelp = `Commands:
  send <to> <text>                      send a text message
  media <to> <path|url> [caption]       send a file, typed by its content
  buttons <to> <text> | <b1> | <b2>...  send reply buttons
  poll <to> <question> | <o1> | <o2>... create a single-choice poll
  location <to> <lat> <lng>             share a location
  contact <to> <number> <name>          share a contact card
  sticker <to> <path|url> [crop]        send an image as a sticker
  presence <to> <state>                 available, unavailable, composing, recording, paused
  save <path>                           download the last received media
  state                                 show the connection state
  help                                  show this help
  quit                                  disconnect and exit`

var errQuit = errors.New("quit")

type sender interface {
	Dispatch(ctx context.Context, req wa.Request) (wa.Result, error)
	SendMedia(ctx context.Context, to, source, caption string) (wa.Result, error)
	DownloadMedia(ctx context.Context, env wa.Envelope) ([]byte, error)
}

type stateSource interface {
	State() wa.ConnectionState
	Generation() uint64
	ReconnectPending() bool
}

type console struct {
	rl     *readline.Instance
	out    io.Writer
	sender sender
	status stateSource

	mu        sync.Mutex
	lastMedia *wa.Envelope
}

func newConsole() (*console, error) {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("send"),
		readline.PcItem("media"),
		readline.PcItem("buttons"),
		readline.PcItem("poll"),
		readline.PcItem("location"),
		readline.PcItem("contact"),
		readline.PcItem("sticker", readline.PcItem("crop")),
		readline.PcItem("presence"),
		readline.PcItem("save"),
		readline.PcItem("state"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "walink> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".walink_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}
	return &console{rl: rl, out: rl.Stdout()}, nil
}

func (c *console) Stdout() io.Writer {
	return c.out
}

func (c *console) bind(s sender, status stateSource) {
	c.sender = s
	c.status = status
}

// remember keeps the envelope of the latest inbound media message for save.
func (c *console) remember(evt bus.Event) {
	if evt.Message == nil || !wa.MessageType(evt.Message.Type).HasMedia() {
		return
	}
	env, ok := evt.Message.Raw.(wa.Envelope)
	if !ok {
		return
	}
	c.mu.Lock()
	c.lastMedia = &env
	c.mu.Unlock()
}

func (c *console) save(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("usage: save <path>")
	}
	c.mu.Lock()
	env := c.lastMedia
	c.mu.Unlock()
	if env == nil {
		return fmt.Errorf("no media received yet")
	}
	data, err := c.sender.DownloadMedia(ctx, *env)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save media: %w", err)
	}
	fmt.Fprintf(c.out, "saved %d bytes to %s\n", len(data), path)
	return nil
}

func (c *console) Close() error {
	return c.rl.Close()
}

// Run reads commands until quit, EOF or ctx cancellation.
func (c *console) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	fmt.Fprintln(c.out, "Type 'help' for commands.")
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			return nil
		}

		if err := c.exec(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	name, rest := splitWord(strings.TrimSpace(line))
	switch name {
	case "":
		return nil
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "state":
		fmt.Fprintf(c.out, "state=%s generation=%d reconnect_pending=%t\n",
			c.status.State(), c.status.Generation(), c.status.ReconnectPending())
		return nil
	case "save":
		return c.save(ctx, rest)
	case "media":
		to, rest := splitWord(rest)
		source, caption := splitWord(rest)
		if to == "" || source == "" {
			return fmt.Errorf("usage: media <to> <path|url> [caption]")
		}
		res, err := c.sender.SendMedia(ctx, to, source, caption)
		if err != nil {
			return err
		}
		c.report(res)
		return nil
	}

	req, err := parseRequest(name, rest)
	if err != nil {
		return err
	}
	res, err := c.sender.Dispatch(ctx, req)
	if err != nil {
		return err
	}
	c.report(res)
	return nil
}

func (c *console) report(res wa.Result) {
	if !res.Sent {
		fmt.Fprintln(c.out, "not sent")
		return
	}
	if res.Message.ID == "" {
		fmt.Fprintln(c.out, "ok")
		return
	}
	fmt.Fprintf(c.out, "sent %s\n", res.Message.ID)
}

// parseRequest turns a console command into an outbound request.
func parseRequest(name, args string) (wa.Request, error) {
	to, rest := splitWord(args)
	if to == "" {
		return nil, fmt.Errorf("%s: recipient is required", name)
	}

	switch name {
	case "send":
		if rest == "" {
			return nil, fmt.Errorf("usage: send <to> <text>")
		}
		return wa.TextRequest{To: to, Body: rest}, nil

	case "buttons":
		parts := splitPipes(rest)
		if len(parts) < 2 {
			return nil, fmt.Errorf("usage: buttons <to> <text> | <b1> | <b2>...")
		}
		buttons := make([]wa.Button, 0, len(parts)-1)
		for _, p := range parts[1:] {
			buttons = append(buttons, wa.Button{Body: p})
		}
		return wa.ButtonsRequest{To: to, Text: parts[0], Buttons: buttons}, nil

	case "poll":
		parts := splitPipes(rest)
		if len(parts) < 1 || parts[0] == "" {
			return nil, fmt.Errorf("usage: poll <to> <question> | <o1> | <o2>...")
		}
		return wa.PollRequest{To: to, Name: parts[0], Options: parts[1:]}, nil

	case "location":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: location <to> <lat> <lng>")
		}
		lat, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("latitude: %w", err)
		}
		lng, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("longitude: %w", err)
		}
		return wa.LocationRequest{To: to, Latitude: lat, Longitude: lng}, nil

	case "contact":
		number, displayName := splitWord(rest)
		if number == "" || displayName == "" {
			return nil, fmt.Errorf("usage: contact <to> <number> <name>")
		}
		return wa.ContactRequest{To: to, Number: number, DisplayName: displayName}, nil

	case "sticker":
		source, flag := splitWord(rest)
		if source == "" {
			return nil, fmt.Errorf("usage: sticker <to> <path|url> [crop]")
		}
		return wa.StickerRequest{To: to, Source: source, Options: wa.StickerOptions{Crop: flag == "crop"}}, nil

	case "presence":
		state := wa.Presence(strings.TrimSpace(rest))
		if !state.Valid() {
			return nil, fmt.Errorf("unknown presence %q", rest)
		}
		return wa.PresenceRequest{To: to, State: state}, nil

	default:
		return nil, fmt.Errorf("unknown command %q, type 'help'", name)
	}
}

func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	word, rest, _ := strings.Cut(s, " ")
	return word, strings.TrimSpace(rest)
}

func splitPipes(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
