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
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/agent"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/infra/storage"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/turn"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/voice"
)

func newMeetingCmd(a *app) *cobra.Command {
	var mic bool
	var first string
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Hold a meeting in the terminal",
		Long: "Type to speak. Commands:\n" + helpText +
			"\nUse --mic to speak through the default microphone (requires ffmpeg and a transcription key).",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if first != "" {
				a.cfg.Turn.FirstSpeaker = first
			}
			return a.runMeeting(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), mic)
		},
	}
	cmd.Flags().BoolVar(&mic, "mic", false, "capture speech from the microphone")
	cmd.Flags().StringVar(&first, "first", "", "participant who opens the meeting (name or id)")
	return cmd
}

const helpText = `  /skip <name>   hand the floor to <name>
  /barge <name>  hand the floor to <name> and tell them who was cut off
  /tap <name>    tap once to skip, twice quickly to barge
  /who           show the roster and who has the floor
  /log           print the conversation so far
  /quit          end the meeting
`

func (a *app) runMeeting(ctx context.Context, in io.Reader, out io.Writer, mic bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	view := newConsole(out)
	m, err := agent.NewMeeting(agent.Options{
		Roster:       a.roster,
		Generator:    a.generator(),
		FirstSpeaker: a.cfg.Turn.FirstSpeaker,
		TapWindow:    a.cfg.Turn.TapWindow,
		VoiceBargeIn: mic && a.cfg.Capture.VoiceBargeIn,
		OnEvent:      view.handle,
		Logger:       a.logger,
		Metrics:      a.metrics,
	})
	if err != nil {
		return err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	if mic {
		if err := a.startMicrophone(ctx, m); err != nil {
			m.Stop()
			<-runErr
			return err
		}
	}

	fmt.Fprintf(out, "Meeting with %s. Type /help for commands.\n", rosterNames(a.roster))

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

loop:
	for {
		select {
		case err = <-runErr:
			break loop
		case line, ok := <-lines:
			if !ok || dispatch(m, view, line) {
				m.Stop()
				err = <-runErr
				break loop
			}
		}
	}
	a.archiveMeeting(m)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) archiveMeeting(m *agent.Meeting) {
	u := a.archive()
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := storage.ArchiveTranscript(ctx, u, m.ID(), m.Roster(), m.Log()); err != nil {
		a.logger.Error("transcript archive failed", "error", err)
	}
}

// startMicrophone feeds the default input device into the meeting through
// transcription.
func (a *app) startMicrophone(ctx context.Context, m *agent.Meeting) error {
	tokens := a.tokens()
	if tokens == nil {
		return errors.New("--mic needs TRANSCRIPTION_API_KEY")
	}
	src := capture.NewFFmpegSource()
	if a.cfg.Capture.InputFormat != "" {
		src.InputFormat = a.cfg.Capture.InputFormat
	}
	if a.cfg.Capture.Device != "" {
		src.Device = a.cfg.Capture.Device
	}
	engine := capture.NewEngine(src, a.cfg.CaptureEngineConfig(), a.logger)
	session := transcript.NewSession(a.cfg.TranscriptConfig(), tokens, a.logger)
	vcfg := voice.DefaultConfig()
	vcfg.SampleRate = a.cfg.Capture.SampleRate
	pipeline := agent.NewPipeline(m, engine, session, vcfg, a.logger)
	go func() {
		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("microphone stopped", "error", err)
		}
	}()
	return nil
}

// meetingControl is what the terminal drives.
type meetingControl interface {
	Submit(text string)
	Skip(target string)
	Barge(target string)
	Tap(target string)
	Roster() *meeting.Roster
	State() turn.State
	Log() []meeting.Message
}

// dispatch handles one typed line and reports whether the meeting should end.
func dispatch(m meetingControl, view *console, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		view.typed(line)
		m.Submit(line)
		return false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "quit", "exit":
		return true
	case "skip", "barge", "tap":
		if arg == "" {
			view.printf("usage: /%s <name>\n", name)
			return false
		}
		if _, ok := m.Roster().Lookup(arg); !ok {
			view.printf("no participant named %q\n", arg)
			return false
		}
		switch strings.ToLower(name) {
		case "skip":
			m.Skip(arg)
		case "barge":
			m.Barge(arg)
		default:
			m.Tap(arg)
		}
	case "who":
		st := m.State()
		for _, p := range m.Roster().Participants() {
			marker := " "
			if p.ID == st.ActiveParticipantID {
				marker = "*"
			}
			role := p.Role
			if p.IsHuman {
				role = "you"
			}
			view.printf("%s %s (%s)\n", marker, p.DisplayName, role)
		}
	case "log":
		for _, msg := range m.Log() {
			p, _ := m.Roster().Get(msg.ParticipantID)
			view.printf("%s %s\n", p.Label(), msg.Content)
		}
	default:
		view.printf("%s", helpText)
	}
	return false
}

// console renders meeting events as a running transcript.
type console struct {
	mu        sync.Mutex
	out       io.Writer
	streaming string
	lastTyped string
	live      bool
}

func newConsole(out io.Writer) *console { return &console{out: out} }

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakLineLocked()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) typed(line string) {
	c.mu.Lock()
	c.lastTyped = line
	c.mu.Unlock()
}

// breakLineLocked ends a streamed reply or a live transcript line.
func (c *console) breakLineLocked() {
	if c.streaming != "" || c.live {
		fmt.Fprintln(c.out)
		c.streaming, c.live = "", false
	}
}

func (c *console) handle(ev agent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Type {
	case agent.EventToken:
		if c.streaming != ev.Participant.ID {
			c.breakLineLocked()
			fmt.Fprintf(c.out, "%s ", ev.Participant.Label())
			c.streaming = ev.Participant.ID
		}
		fmt.Fprint(c.out, ev.Text)
	case agent.EventMessage:
		if ev.Participant.IsHuman {
			if ev.Text == c.lastTyped {
				c.lastTyped = ""
				return
			}
			c.breakLineLocked()
			fmt.Fprintf(c.out, "%s %s\n", ev.Participant.Label(), ev.Text)
			return
		}
		if c.streaming == ev.Participant.ID {
			c.breakLineLocked()
			return
		}
		c.breakLineLocked()
		fmt.Fprintf(c.out, "%s %s\n", ev.Participant.Label(), ev.Text)
	case agent.EventTurn:
		if ev.State.Phase == turn.Interrupted && c.streaming != "" {
			fmt.Fprint(c.out, " [INTERRUPTED]")
			c.breakLineLocked()
		}
		if ev.Participant.IsHuman && ev.State.Phase == turn.AwaitingInput {
			c.breakLineLocked()
			fmt.Fprintln(c.out, "(your turn)")
		}
	case agent.EventTranscript:
		c.live = true
		fmt.Fprintf(c.out, "\r(hearing) %s", ev.Text)
	case agent.EventNotice:
		c.breakLineLocked()
		fmt.Fprintf(c.out, "(notice) %s\n", ev.Text)
	case agent.EventError:
		c.breakLineLocked()
		fmt.Fprintf(c.out, "(error) %v\n", ev.Err)
	case agent.EventEnded:
		c.breakLineLocked()
		fmt.Fprintln(c.out, "Meeting ended.")
	}
}

func rosterNames(r *meeting.Roster) string {
	var names []string
	for _, p := range r.Participants() {
		if !p.IsHuman {
			names = append(names, p.DisplayName)
		}
	}
	return strings.Join(names, ", ")
}
