package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BTreeMap/StateFlow/internal/pipeline"
	"github.com/spf13/cobra"
)

const (
	// DefaultChatLead is the conversation id used by chat when none is given.
	DefaultChatLead = "5511900000000"
	// shutdownGrace is added to the buffer delay when waiting for batches to finish.
	shutdownGrace = 30 * time.Second
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the agent from the terminal",
	Long: `Reads lines from stdin as messages of one conversation, pushes them through
the buffer and prints every outcome: the landing state, skipped states and the reply.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lead, _ := cmd.Flags().GetString("lead")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runChat(ctx, lead, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("lead", DefaultChatLead, "conversation id, also the phone number notifications go to")
}

// outcomePrinter serializes writes to the terminal.
type outcomePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *outcomePrinter) hook(ctx context.Context, conversationID string, out pipeline.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s]", out.State)
	if len(out.Skipped) > 0 {
		fmt.Fprintf(p.out, " (skipped %s)", strings.Join(out.Skipped, ", "))
	}
	if out.Fallback {
		fmt.Fprint(p.out, " (fallback)")
	}
	fmt.Fprintln(p.out)
	if out.Reply != "" {
		fmt.Fprintf(p.out, "agent: %s\n", out.Reply)
	}
}

func runChat(ctx context.Context, lead string, in io.Reader, out io.Writer) error {
	printer := &outcomePrinter{out: out}
	a, err := buildApp(ctx, cfg, appOpts{hook: printer.hook, logOut: out})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("chat close failed", "error", err)
		}
	}()

	if st, ok := a.graph.State(a.graph.Initial); ok && st.Prompt != "" {
		printer.mu.Lock()
		fmt.Fprintf(out, "agent: %s\n", st.Prompt)
		printer.mu.Unlock()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Error("chat read failed", "error", err)
		}
	}()

	cfgBuf := a.bufferConfig()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return drain(ctx, a, lead)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := a.buffer.Enqueue(lead, line, cfgBuf); err != nil {
				return fmt.Errorf("failed to enqueue message: %w", err)
			}
		}
	}
}

// drain flushes what is still buffered and waits for it to be processed.
func drain(ctx context.Context, a *app, lead string) error {
	a.buffer.Flush(lead)
	deadline := time.NewTimer(a.cfg.BufferDelay + shutdownGrace)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for a.buffer.Pending(lead) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for %d buffered messages", a.buffer.Pending(lead))
		case <-tick.C:
		}
	}
	return nil
}
