// Command kaiwa is a console conversation partner. Typed lines stand in for
// recognized speech; everything else runs the same session engine a browser
// uses through the server's websocket.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/aiclient"
	"github.com/windfall/kaiwa/internal/config"
	"github.com/windfall/kaiwa/internal/logger"
	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/internal/recognition"
	"github.com/windfall/kaiwa/internal/session"
	"github.com/windfall/kaiwa/pkg/api"
)

const help = `Type Japanese to answer. Commands take the turn number shown in brackets:
  /speak N         play or stop turn N
  /correct N       play the corrected sentence of your turn N
  /translate N     show or hide the English translation of turn N
  /analyze N       show the readings of turn N
  /explain N WORD  explain WORD as used in turn N
  /reveal N        show the text of a hidden turn
  /topic           start a new conversation
  /quit            exit`

func main() {
	var (
		persona   string
		topic     string
		autoSpeak bool
		hide      bool
		furigana  bool
	)
	flag.StringVar(&persona, "persona", "", "Persona to talk to (prompted when empty)")
	flag.StringVar(&topic, "topic", "", "Topic to talk about (prompted when empty)")
	flag.BoolVar(&autoSpeak, "speak", true, "Play every new AI turn")
	flag.BoolVar(&hide, "listen", false, "Hide AI turns until revealed, for listening practice")
	flag.BoolVar(&furigana, "furigana", false, "Print the readings of every AI reply")
	flag.Parse()

	cfg, err := config.LoadConsole()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	log := logger.NewTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ai := aiclient.New(aiclient.Options{
		BaseURL:     cfg.ServerURL,
		AccessToken: cfg.AccessToken,
		Timeouts: aiclient.Timeouts{
			Chat:       cfg.ChatTimeout,
			Evaluate:   cfg.EvaluateTimeout,
			Punctuate:  cfg.PunctuateTimeout,
			Lookup:     cfg.LookupTimeout,
			Synthesize: cfg.SynthesizeTimeout,
		},
		Logger: logger.Component(log, "aiclient"),
	})

	presets, err := ai.Presets(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("server", cfg.ServerURL).Msg("Failed to load presets")
	}

	out := os.Stdout
	in := bufio.NewScanner(os.Stdin)
	pr := newPrinter(out)

	sink, err := newFileSink(cfg.AudioDir, cfg.Player, out, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare audio output")
	}
	speaker := playback.New(ai, sink, playback.Options{
		Cache:        playback.NewMemoryCache(cfg.AudioCacheEntries),
		SynthTimeout: cfg.SynthesizeTimeout,
		Logger:       logger.Component(log, "playback"),
	})

	source := recognition.NewFeedSource(true, nil, nil)
	ctrl := session.New(ai, recognition.NewAdapter(source, log), speaker, session.Options{
		Settings:    config.NewModelSettings(cfg.Models),
		Observer:    pr,
		Logger:      logger.Component(log, "session"),
		CallTimeout: cfg.ChatTimeout,
		AutoSpeak:   autoSpeak,
		HideReplies: hide,
		ReplyTokens: furigana,
	})

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	c := &console{ctx: ctx, ctrl: ctrl, source: source, pr: pr, in: in, out: out, log: log}
	if err := c.begin(presets, persona, topic); err != nil {
		log.Fatal().Err(err).Msg("Failed to start conversation")
	}
	fmt.Fprintln(out, help)

	c.loop(presets)
	stop()
	<-done
}

type console struct {
	ctx    context.Context
	ctrl   *session.Controller
	source *recognition.FeedSource
	pr     *printer
	in     *bufio.Scanner
	out    io.Writer
	log    zerolog.Logger
}

func (c *console) loop(presets []api.Preset) {
	for {
		fmt.Fprint(c.out, "> ")
		if !c.in.Scan() {
			return
		}
		line := strings.TrimSpace(c.in.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/help":
			fmt.Fprintln(c.out, help)
		case line == "/topic":
			if err := c.begin(presets, "", ""); err != nil {
				c.report(err)
			}
		case strings.HasPrefix(line, "/"):
			c.report(c.command(line))
		default:
			c.report(c.say(line))
		}
		if c.ctx.Err() != nil {
			return
		}
	}
}

// say submits a typed line as one recorded utterance.
func (c *console) say(line string) error {
	if err := c.ctrl.StartRecording(c.ctx); err != nil {
		return err
	}
	if feed := c.source.Current(); feed != nil {
		feed.Push(recognition.Segment{Index: 0, Text: line, Final: true})
	}
	if err := c.ctrl.StopRecording(c.ctx); err != nil {
		return err
	}
	return c.ctrl.Settle(c.ctx)
}

func (c *console) command(line string) error {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return fmt.Errorf("usage: %s N", fields[0])
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("not a turn number: %s", fields[1])
	}
	id, ok := c.pr.turn(n)
	if !ok {
		return fmt.Errorf("no turn %d", n)
	}

	switch fields[0] {
	case "/speak":
		if err := c.ctrl.Speak(c.ctx, id); err != nil {
			return err
		}
		return c.ctrl.Settle(c.ctx)

	case "/correct":
		if err := c.ctrl.SpeakCorrection(c.ctx, id); err != nil {
			return err
		}
		return c.ctrl.Settle(c.ctx)

	case "/translate":
		v, err := c.ctrl.ToggleTranslation(c.ctx, id)
		if err != nil {
			return err
		}
		if v.Visible {
			fmt.Fprintf(c.out, "  %s\n", v.Text)
		} else {
			fmt.Fprintln(c.out, "  (translation hidden)")
		}

	case "/analyze":
		a, err := c.ctrl.Analyze(c.ctx, id)
		if err != nil {
			return err
		}
		c.pr.analysis(a)

	case "/explain":
		if len(fields) < 3 {
			return errors.New("usage: /explain N WORD")
		}
		card, err := c.ctrl.ExplainWord(c.ctx, id, fields[2])
		if err != nil {
			return err
		}
		c.pr.wordCard(card)

	case "/reveal":
		if err := c.ctrl.SetRevealed(c.ctx, id, true); err != nil {
			return err
		}
		turns, err := c.ctrl.Turns(c.ctx)
		if err != nil {
			return err
		}
		for _, t := range turns {
			if t.ID == id {
				fmt.Fprintf(c.out, "[%d] %s\n", n, t.Content)
			}
		}

	default:
		return fmt.Errorf("unknown command %s, try /help", fields[0])
	}
	return nil
}

func (c *console) report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		fmt.Fprintln(c.out, "  ! still working on the last answer")
	default:
		c.log.Debug().Err(err).Msg("command failed")
		fmt.Fprintf(c.out, "  ! %v\n", err)
	}
}

// begin starts a conversation, asking for the persona and topic that were
// not given.
func (c *console) begin(presets []api.Preset, persona, topic string) error {
	if len(presets) == 0 {
		return errors.New("the server has no presets")
	}

	preset, ok := findPreset(presets, persona)
	if !ok {
		names := make([]string, len(presets))
		for i, p := range presets {
			names[i] = p.Persona
		}
		i, err := c.choose("Persona", names)
		if err != nil {
			return err
		}
		preset = presets[i]
	}

	if _, ok := preset.Topic(topic); !ok {
		names := make([]string, len(preset.Topics))
		for i, t := range preset.Topics {
			names[i] = t.Name
		}
		i, err := c.choose("Topic", names)
		if err != nil {
			return err
		}
		topic = names[i]
	}

	c.pr.reset()
	return c.ctrl.Begin(c.ctx, preset, topic)
}

func (c *console) choose(label string, names []string) (int, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("no %s to choose from", strings.ToLower(label))
	}
	for i, name := range names {
		fmt.Fprintf(c.out, "  %d. %s\n", i+1, name)
	}
	for {
		fmt.Fprintf(c.out, "%s [1-%d]: ", label, len(names))
		if !c.in.Scan() {
			return 0, io.EOF
		}
		n, err := strconv.Atoi(strings.TrimSpace(c.in.Text()))
		if err == nil && n >= 1 && n <= len(names) {
			return n - 1, nil
		}
	}
}

func findPreset(presets []api.Preset, persona string) (api.Preset, bool) {
	for _, p := range presets {
		if p.Persona == persona {
			return p, true
		}
	}
	return api.Preset{}, false
}
