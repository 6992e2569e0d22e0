package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/adk"
	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"

	"github.com/tbxark/stepagent/agent"
	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

const chatHelp = `Describe a task as a title line followed by one step per line, then an empty line.
While a task runs, type a reply, an action label or a select option.
Commands:
  /status                      show the task
  /action <id> [value]         submit an action of the last reply
  /dates <id>=YYYY-MM-DD[@HH:MM] ...  fill and submit every date action
  /correct <step> <text>       correct a step (1-based)
  /save <file>  /load <file>   checkpoint the session
  /reset                       discard the task
  /quit`

func chatCmd() *cobra.Command {
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an interactive task session in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := agent.WithSessionKey(cmd.Context(), sessionKey)
			client, err := newClient(ctx, cfg)
			if err != nil {
				return err
			}
			return newRepl(ctx, client, cfg.Oracle.History, cmd.InOrStdin(), cmd.OutOrStdout()).loop()
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "cli", "session key")
	return cmd
}

type repl struct {
	ctx     context.Context
	runner  *adk.Runner
	session *agent.Session
	in      *bufio.Reader
	out     io.Writer
}

func newRepl(ctx context.Context, client *oracle.Client, history int, in io.Reader, out io.Writer) *repl {
	store := agent.NewSessionStore(func(ctx context.Context) *agent.Session {
		return agent.NewSession(client, agent.WithHistory(history))
	})
	stepAgent := agent.NewAgent("StepGuide", "Guides a user through a task one confirmed step at a time", store)
	return &repl{
		ctx:     ctx,
		runner:  adk.NewRunner(ctx, adk.RunnerConfig{Agent: stepAgent}),
		session: store.Get(ctx),
		in:      bufio.NewReader(in),
		out:     out,
	}
}

func (r *repl) loop() error {
	fmt.Fprintln(r.out, chatHelp)
	for {
		if r.needsTask() {
			fmt.Fprint(r.out, "\ntask> ")
		} else {
			fmt.Fprint(r.out, "\nyou> ")
		}
		line, err := r.in.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			r.command(line)
			continue
		}
		if r.needsTask() {
			line = r.readTaskDefinition(line)
		}
		r.run(line)
	}
}

func (r *repl) needsTask() bool {
	task := r.session.Task()
	return task == nil || task.Status == types.TaskCompleted
}

func (r *repl) readTaskDefinition(first string) string {
	lines := []string{first}
	for {
		fmt.Fprint(r.out, "step> ")
		line, err := r.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" || err != nil {
			return strings.Join(lines, "\n")
		}
		lines = append(lines, line)
	}
}

func (r *repl) run(text string) {
	iter := r.runner.Run(r.ctx, []adk.Message{schema.UserMessage(text)})
	for {
		event, ok := iter.Next()
		if !ok {
			break
		}
		if event.Err != nil {
			r.fail(event.Err)
			continue
		}
		if event.Output == nil || event.Output.MessageOutput == nil {
			continue
		}
		msg, err := event.Output.MessageOutput.GetMessage()
		if err != nil {
			r.fail(err)
			continue
		}
		fmt.Fprintf(r.out, "\nagent> %s\n", msg.Content)
	}
	r.showCompletion()
}

func (r *repl) command(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/status":
		fmt.Fprintln(r.out, agent.RenderTask(r.session.Task()))
	case "/reset":
		r.session.Reset()
		fmt.Fprintln(r.out, "task discarded")
	case "/action":
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /action <id> [value]")
			return
		}
		r.turn(r.session.HandleAction(r.ctx, fields[1], strings.Join(fields[2:], " ")))
	case "/dates":
		r.dates(fields[1:])
	case "/correct":
		if len(fields) < 3 {
			fmt.Fprintln(r.out, "usage: /correct <step> <text>")
			return
		}
		step, err := strconv.Atoi(fields[1])
		if err != nil {
			fmt.Fprintln(r.out, "step must be a number")
			return
		}
		if task := r.session.Task(); task != nil && !task.CanInspect(step-1) {
			fmt.Fprintf(r.out, "step %d has not been reached yet\n", step)
			return
		}
		r.turn(r.session.SubmitCorrection(r.ctx, step-1, strings.Join(fields[2:], " ")))
	case "/save":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: /save <file>")
			return
		}
		data, err := r.session.CreateCheckpoint()
		if err == nil {
			err = os.WriteFile(fields[1], data, 0o600)
		}
		if err != nil {
			r.fail(err)
			return
		}
		fmt.Fprintln(r.out, "saved", fields[1])
	case "/load":
		if len(fields) != 2 {
			fmt.Fprintln(r.out, "usage: /load <file>")
			return
		}
		data, err := os.ReadFile(fields[1])
		if err == nil {
			err = r.session.RestoreCheckpoint(data)
		}
		if err != nil {
			r.fail(err)
			return
		}
		fmt.Fprintln(r.out, agent.RenderTask(r.session.Task()))
	default:
		fmt.Fprintln(r.out, chatHelp)
	}
}

func (r *repl) dates(args []string) {
	batch := r.session.DateBatch()
	if batch.Len() == 0 {
		fmt.Fprintln(r.out, "the last reply has no date actions")
		return
	}
	for _, arg := range args {
		id, d, clock, err := parseDateArg(arg, time.Local)
		if err != nil {
			r.fail(err)
			return
		}
		if err := batch.SetDate(id, d); err != nil {
			r.fail(err)
			return
		}
		if clock != "" {
			if err := batch.SetTime(id, clock); err != nil {
				r.fail(err)
				return
			}
		}
	}
	turns, err := r.session.SubmitDates(r.ctx, batch)
	for _, t := range turns {
		fmt.Fprintf(r.out, "\nagent> %s\n", agent.Render(t.Reply))
	}
	if err != nil {
		r.fail(err)
	}
	r.advance()
}

// parseDateArg splits "<id>=YYYY-MM-DD[@HH:MM]".
func parseDateArg(arg string, loc *time.Location) (id string, day time.Time, clock string, err error) {
	id, value, ok := strings.Cut(arg, "=")
	if !ok || id == "" {
		return "", time.Time{}, "", fmt.Errorf("expected <id>=YYYY-MM-DD[@HH:MM], got %q", arg)
	}
	date, clock, _ := strings.Cut(value, "@")
	day, err = time.ParseInLocation(time.DateOnly, date, loc)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("date for %s: %w", id, err)
	}
	return id, day, clock, nil
}

func (r *repl) turn(t *agent.Turn, err error) {
	if err != nil {
		r.fail(err)
		return
	}
	fmt.Fprintf(r.out, "\nagent> %s\n", agent.Render(t.Reply))
	r.advance()
}

func (r *repl) advance() {
	next, err := r.session.ContinueIfAdvanced(r.ctx)
	if err != nil {
		r.fail(err)
		return
	}
	if next != nil {
		fmt.Fprintf(r.out, "\nagent> %s\n", agent.Render(next.Reply))
	}
	r.showCompletion()
}

func (r *repl) showCompletion() {
	if task := r.session.Task(); task != nil && task.Status == types.TaskCompleted {
		fmt.Fprintf(r.out, "\nTask %q completed. Describe a new task to start again.\n", task.Title)
	}
}

func (r *repl) fail(err error) {
	if notice := r.session.Notice(); notice != "" && errors.Is(err, oracle.ErrRateLimited) {
		fmt.Fprintln(r.out, notice)
	}
	fmt.Fprintln(r.out, "error:", err)
}
