package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/engine/dispatch"
	"github.com/Abraxas-365/relayflow/engine/engineinfra"
	"github.com/Abraxas-365/relayflow/engine/flowexec"
	"github.com/Abraxas-365/relayflow/engine/nodeexec"
	"github.com/Abraxas-365/relayflow/engine/timers"
	"github.com/Abraxas-365/relayflow/flow/flowinfra"
	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/sandbox"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const simulateHelp = `Type a line to send it as a customer message. Commands:
  /timeout            fire every pending timer
  /call <json>        complete the pending async call with a JSON result
  /fail <message>     fail the pending async call
  /reset              abort the conversation
  /state              print the stored conversation
  /quit               leave`

func newSimulateCommand(in io.Reader, out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a flow interactively against in-memory stores",
		Long: "Run a flow interactively against in-memory stores. Without --flow the\n" +
			"greeting starts whichever flow's entry matches it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			sim, err := newSimulator(simulatorOptions{
				FlowsDir:       viper.GetString("flows"),
				FlowID:         kernel.FlowID(viper.GetString("flow")),
				ConversationID: kernel.ConversationID(viper.GetString("conversation")),
				Phone:          viper.GetString("phone"),
				Greeting:       viper.GetString("greeting"),
				Engine:         config.LoadEngineConfig(),
			})
			if err != nil {
				return err
			}
			return sim.run(cmd.Context(), in, out)
		},
	}
	cmd.Flags().String("flows", "./flows", "directory with flow definitions")
	cmd.Flags().String("flow", "", "flow to start, defaults to the one whose entry matches the greeting")
	cmd.Flags().String("conversation", "simulation", "conversation id")
	cmd.Flags().String("phone", "+5500000000000", "customer phone")
	cmd.Flags().String("greeting", "hi", "first customer message, opens the session window")
	return cmd
}

type simulatorOptions struct {
	FlowsDir       string
	FlowID         kernel.FlowID
	ConversationID kernel.ConversationID
	Phone          string
	Greeting       string
	Engine         config.EngineConfig
}

type simulator struct {
	opts          simulatorOptions
	scheduler     *flowexec.Scheduler
	conversations *engineinfra.MemoryConversationRepository
	sender        *engineinfra.RecordingSender
	timers        *timers.MemoryStore
}

func newSimulator(opts simulatorOptions) (*simulator, error) {
	flows, err := flowinfra.LoadDir(opts.FlowsDir)
	if err != nil {
		return nil, err
	}

	clock := engine.SystemClock{}
	window := engine.NewSessionWindow(opts.Engine.SessionWindow, clock)
	adapter := callx.NewAdapter(callx.DefaultRetryPolicy())

	sim := &simulator{
		opts:          opts,
		conversations: engineinfra.NewMemoryConversationRepository(),
		sender:        engineinfra.NewRecordingSender(),
		timers:        timers.NewMemoryStore(),
	}

	handlers := nodeexec.New(nodeexec.Deps{
		Sandbox:       sandbox.New(sandbox.Options{StarlarkThreads: opts.Engine.StarlarkThreads}),
		HTTP:          callx.NewHTTPClient(nil, adapter),
		Window:        window,
		ScriptTimeout: opts.Engine.ScriptTimeout,
		CallPolicy:    adapter.Policy(),
	})

	sim.scheduler = flowexec.New(flowexec.Deps{
		Conversations: sim.conversations,
		Flows:         flows,
		Entries:       flows,
		Handlers:      handlers,
		Steps:         engineinfra.NewMemoryStepRepository(),
		Sender:        sim.sender,
		Timers:        sim.timers,
		Effects:       engineinfra.LogEffectSink{},
		Locker:        dispatch.NewKeyedLock(),
		Clock:         clock,
		Window:        window,
	}, flowexec.Options{
		MaxSteps:       opts.Engine.MaxSteps,
		MismatchPolicy: flowexec.MismatchPolicy(opts.Engine.MismatchPolicy),
	})
	return sim, nil
}

func (s *simulator) run(ctx context.Context, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintln(out, simulateHelp)

	// The greeting is the customer's first message and opens the session window.
	contact := &engine.Contact{Phone: s.opts.Phone}
	fmt.Fprintf(out, "👤 %s\n", s.opts.Greeting)
	var opening engine.Trigger = engine.InboundMessage{Text: s.opts.Greeting, ReceivedAt: time.Now().UTC(), Contact: contact}
	if !s.opts.FlowID.IsEmpty() {
		opening = engine.FlowStartRequested{FlowID: s.opts.FlowID, Contact: contact, ReceivedAt: time.Now().UTC()}
	}
	if err := s.advance(ctx, out, opening); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		quit, err := s.handleLine(ctx, out, line)
		if err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (s *simulator) handleLine(ctx context.Context, out io.Writer, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true, nil

	case "/timeout":
		due, err := s.timers.ClaimDue(ctx, time.Now().AddDate(100, 0, 0), 100)
		if err != nil {
			return false, err
		}
		if len(due) == 0 {
			fmt.Fprintln(out, "⏰ no pending timers")
			return false, nil
		}
		for _, t := range due {
			if err := s.advance(ctx, out, engine.TimerExpired{AwaitingID: t.AwaitingID, FiredAt: time.Now().UTC()}); err != nil {
				return false, err
			}
		}
		return false, nil

	case "/call", "/fail":
		st, err := s.conversations.Load(ctx, s.opts.ConversationID)
		if err != nil {
			return false, err
		}
		if st.Awaiting == nil || st.Awaiting.Kind != engine.AwaitAsyncCall {
			return false, fmt.Errorf("conversation is not waiting for an async call")
		}
		done := engine.AsyncCallCompleted{CallID: st.Awaiting.CallID}
		if cmd == "/fail" {
			done.Error = arg
		} else if arg != "" {
			if err := json.Unmarshal([]byte(arg), &done.Result); err != nil {
				return false, fmt.Errorf("result is not JSON: %w", err)
			}
		}
		return false, s.advance(ctx, out, done)

	case "/reset":
		if err := s.scheduler.ForceReset(ctx, s.opts.ConversationID); err != nil {
			return false, err
		}
		fmt.Fprintln(out, "🔄 conversation reset")
		return false, nil

	case "/state":
		st, err := s.conversations.Load(ctx, s.opts.ConversationID)
		if err != nil {
			return false, err
		}
		raw, _ := json.MarshalIndent(st, "", "  ")
		fmt.Fprintln(out, string(raw))
		return false, nil
	}

	return false, s.advance(ctx, out, engine.InboundMessage{
		Text:       line,
		ReceivedAt: time.Now().UTC(),
		Contact:    &engine.Contact{Phone: s.opts.Phone},
	})
}

func (s *simulator) advance(ctx context.Context, out io.Writer, tr engine.Trigger) error {
	res, err := s.scheduler.Advance(ctx, s.opts.ConversationID, tr)
	if err != nil {
		return err
	}

	for _, sent := range s.sender.Drain() {
		fmt.Fprintf(out, "🤖 %s\n", describe(sent.Message))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "⚠️  %s\n", w)
	}
	if res.Error != "" {
		fmt.Fprintf(out, "❌ %s: %s\n", res.ErrorKind, res.Error)
	}
	if res.Handoff != nil {
		fmt.Fprintln(out, "🙋 handed off to an agent")
	}

	status := string(res.Status)
	if res.Awaiting != nil {
		status += fmt.Sprintf(" (awaiting %s at %s)", res.Awaiting.Kind, res.Awaiting.NodeID)
	}
	fmt.Fprintf(out, "· %s\n", status)
	return nil
}

func describe(m engine.OutboundMessage) string {
	switch {
	case m.Template != nil:
		return fmt.Sprintf("[template %s] %s", m.Template.Name, strings.Join(m.Template.Params, ", "))
	case m.Media != nil:
		return fmt.Sprintf("[%s %s] %s", m.Media.Type, m.Media.URL, m.Media.Caption)
	case m.Interactive != nil:
		var choices []string
		for _, b := range m.Interactive.Buttons {
			choices = append(choices, b.ID+"="+b.Title)
		}
		for _, sec := range m.Interactive.Sections {
			for _, r := range sec.Rows {
				choices = append(choices, r.ID+"="+r.Title)
			}
		}
		return fmt.Sprintf("%s [%s]", m.Interactive.Body, strings.Join(choices, " | "))
	}
	return m.Text
}
