// Package repl runs the interactive command line of the relay client.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cmdrelay/internal/relay"
	"cmdrelay/internal/types"
)

// Client is the part of the relay the REPL drives
type Client interface {
	Submit(text string) (*types.Command, error)
	History() []types.Command
	Clear()
	State() types.ConnState
	AgentConnected() bool
}

const help = `Type an instruction to send it to the agent, e.g. "open youtube".
  :history  list commands, most recent first
  :clear    clear history
  :status   show connection and agent state
  :help     show this help
  :quit     exit`

// REPL reads instructions line by line and prints results as they arrive.
// Writes from the input loop and from relay callbacks are serialised.
type REPL struct {
	client Client
	mu     sync.Mutex
	out    io.Writer
}

// New creates a REPL writing to out
func New(client Client, out io.Writer) *REPL {
	return &REPL{client: client, out: out}
}

// Attach registers the REPL's printers on r
func (p *REPL) Attach(r *relay.Relay) {
	r.Tracker().Subscribe(p.PrintCommand)
	r.OnProgress(p.PrintProgress)
	r.OnHubError(p.PrintHubError)
	r.OnStateChange(p.PrintState)
}

// Run reads in until EOF, :quit or ctx is done
func (p *REPL) Run(ctx context.Context, in io.Reader) error {
	// Releases the reader goroutine however Run returns
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)

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
		errc <- scanner.Err()
	}()

	p.printf("%s\n", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			if quit := p.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one line and reports whether the REPL should exit
func (p *REPL) handle(line string) bool {
	switch line {
	case "":
		return false
	case ":quit", ":q", ":exit":
		return true
	case ":help":
		p.printf("%s\n", help)
	case ":history":
		p.printHistory()
	case ":clear":
		p.client.Clear()
		p.printf("history cleared\n")
	case ":status":
		p.printf("connection: %s, agent: %s\n", p.client.State(), reachable(p.client.AgentConnected()))
	default:
		if strings.HasPrefix(line, ":") {
			p.printf("unknown command %s, try :help\n", line)
			return false
		}
		cmd, err := p.client.Submit(line)
		switch {
		case errors.Is(err, types.ErrNotConnected):
			p.printf("not connected; command recorded as failed\n")
		case err != nil:
			p.printf("error: %v\n", err)
		default:
			p.printf("sent %s %s\n", shortID(cmd.ID), cmd.Action)
		}
	}
	return false
}

// PrintCommand prints a command once it reaches a terminal status
func (p *REPL) PrintCommand(cmd types.Command) {
	if !cmd.Status.Terminal() {
		return
	}
	mark := "ok"
	if cmd.Status == types.CommandStatusError {
		mark = "failed"
	}
	p.printf("[%s] %s %q (%dms) %s\n", mark, shortID(cmd.ID), cmd.RawText, cmd.ExecutionTimeMs, cmd.ResultMessage)
}

// PrintProgress prints one sequence step
func (p *REPL) PrintProgress(m types.SequenceProgressMessage) {
	mark := "ok"
	if !m.Result.Success {
		mark = "failed"
	}
	p.printf("  step %d/%d %s: %s %s\n", m.Step, m.Total, m.Action.Kind, mark, m.Result.Message)
}

// PrintHubError prints an error frame from the hub
func (p *REPL) PrintHubError(message string) {
	p.printf("hub: %s\n", message)
}

// PrintState prints connection state changes
func (p *REPL) PrintState(state types.ConnState) {
	p.printf("connection: %s\n", state)
}

func (p *REPL) printHistory() {
	history := p.client.History()
	if len(history) == 0 {
		p.printf("no commands yet\n")
		return
	}
	for _, cmd := range history {
		line := fmt.Sprintf("%s  %-7s  %s  %q", cmd.SubmittedAt.Format("15:04:05"), cmd.Status, shortID(cmd.ID), cmd.RawText)
		if cmd.Status.Terminal() {
			line += fmt.Sprintf("  %dms  %s", cmd.ExecutionTimeMs, cmd.ResultMessage)
		}
		p.printf("%s\n", line)
	}
}

func (p *REPL) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}

func reachable(ok bool) string {
	if ok {
		return "connected"
	}
	return "not connected"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
