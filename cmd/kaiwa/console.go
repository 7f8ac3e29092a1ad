package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/windfall/kaiwa/internal/playback"
	"github.com/windfall/kaiwa/internal/session"
	"github.com/windfall/kaiwa/internal/transcript"
	"github.com/windfall/kaiwa/pkg/api"
)

// printer renders session changes on the terminal and numbers turns so
// commands can refer to them.
type printer struct {
	out io.Writer

	mu  sync.Mutex
	ids []transcript.TurnID
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

// reset forgets the turn numbers of the previous conversation.
func (p *printer) reset() {
	p.mu.Lock()
	p.ids = nil
	p.mu.Unlock()
}

// turn resolves a turn number shown on screen.
func (p *printer) turn(n int) (transcript.TurnID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 1 || n > len(p.ids) {
		return "", false
	}
	return p.ids[n-1], true
}

func (p *printer) number(id transcript.TurnID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, known := range p.ids {
		if known == id {
			return i + 1
		}
	}
	return 0
}

func (p *printer) StateChanged(s session.RecordingState) {
	if s == session.StateProcessing {
		fmt.Fprintln(p.out, "  …")
	}
}

func (p *printer) InterimText(text string) {}

func (p *printer) TurnAppended(t transcript.Turn) {
	if t.Role == transcript.RoleSystem {
		return
	}
	p.mu.Lock()
	p.ids = append(p.ids, t.ID)
	n := len(p.ids)
	p.mu.Unlock()

	content := t.Content
	if !t.Revealed {
		content = "(hidden, /reveal " + fmt.Sprint(n) + ")"
	}
	who := "AI "
	if t.Role == transcript.RoleUser {
		who = "You"
	}
	fmt.Fprintf(p.out, "[%d] %s: %s\n", n, who, content)
}

func (p *printer) FeedbackAttached(id transcript.TurnID, fb transcript.Feedback) {
	fmt.Fprintf(p.out, "    [%d] %s  %s\n", p.number(id), fb.ScoreLabel(), fb.CorrectedSentence)
	if fb.Explanation != "" {
		fmt.Fprintf(p.out, "         %s\n", fb.Explanation)
	}
}

func (p *printer) AnalysisReady(id transcript.TurnID, a *api.Analysis) {
	p.analysis(a)
}

func (p *printer) Notice(n session.Notice) {
	fmt.Fprintf(p.out, "  ! %s\n", n.Message)
}

func (p *printer) wordCard(card *api.WordCard) {
	fmt.Fprintf(p.out, "  %s 【%s】 %s\n", card.DictionaryForm, card.Hiragana, strings.Join(card.POSDetails, ", "))
	if card.ContextualExplanation != "" {
		fmt.Fprintf(p.out, "  %s\n", card.ContextualExplanation)
	}
	for i, m := range card.Meanings {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, m.Definition)
		for _, ex := range m.Examples {
			fmt.Fprintf(p.out, "     %s (%s)\n", ex.Text(), ex.Translation)
		}
	}
}

func (p *printer) analysis(a *api.Analysis) {
	var b strings.Builder
	for _, w := range a.Tokens {
		for _, st := range w.WordTokens {
			b.WriteString(st.Surface)
			if st.IsKanji && st.Reading != "" && st.Reading != st.Surface {
				b.WriteString("(" + st.Reading + ")")
			}
		}
		b.WriteString(" ")
	}
	fmt.Fprintf(p.out, "  %s\n", strings.TrimSpace(b.String()))
}

// fileSink plays clips by writing them to dir and running the player
// command on the file. Without a player the clip ends as soon as it is
// written.
type fileSink struct {
	dir    string
	player []string
	out    io.Writer
	log    zerolog.Logger
}

func newFileSink(dir, player string, out io.Writer, log zerolog.Logger) (*fileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &fileSink{dir: dir, player: strings.Fields(player), out: out, log: log}, nil
}

func (s *fileSink) Start(audio *api.Audio, done func()) (playback.Handle, error) {
	path := filepath.Join(s.dir, uuid.NewString()+audioExt(audio.ContentType))
	if err := os.WriteFile(path, audio.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write clip: %w", err)
	}

	if len(s.player) == 0 {
		fmt.Fprintf(s.out, "  ♪ %s\n", path)
		done()
		return nopHandle{}, nil
	}

	args := append(append([]string(nil), s.player[1:]...), path)
	cmd := exec.Command(s.player[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			s.log.Debug().Err(err).Str("clip", path).Msg("player exited")
		}
		done()
	}()
	return &processHandle{cmd: cmd}, nil
}

func audioExt(contentType string) string {
	switch contentType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}

type nopHandle struct{}

func (nopHandle) Stop() {}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Stop() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}
