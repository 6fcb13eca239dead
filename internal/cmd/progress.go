package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Iron-Ham/swarm/internal/event"
	"github.com/Iron-Ham/swarm/internal/runstate"
	"github.com/Iron-Ham/swarm/internal/util"
)

// progress prints one line per orchestrator event. Events arrive from
// several goroutines, so writes are serialized. Lines are cut to the
// terminal width only when stdout is a terminal.
type progress struct {
	mu    sync.Mutex
	out   io.Writer
	width int // 0 means unlimited
}

func newProgress(out io.Writer) *progress {
	p := &progress{out: out}
	if isTerminal() {
		p.width = terminalWidth()
	}
	return p
}

// fit truncates s to the width left after reserve columns.
func (p *progress) fit(s string, reserve int) string {
	if p.width == 0 {
		return s
	}
	return util.Truncate(s, max(p.width-reserve, 20))
}

// attach subscribes to every event on bus and returns the subscription id.
func (p *progress) attach(bus *event.Bus) string {
	return bus.SubscribeAll(p.handle)
}

func (p *progress) handle(e event.Event) {
	line := p.format(e)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	line = mutedStyle.Render(e.Timestamp().Format("15:04:05")) + " " + line
	if p.width > 0 {
		line = util.TruncateANSI(line, p.width)
	}
	fmt.Fprintln(p.out, line)
}

func (p *progress) format(e event.Event) string {
	switch e := e.(type) {
	case event.RunStartedEvent:
		verb := "started"
		if e.Resumed {
			verb = "resumed"
		}
		return titleStyle.Render(fmt.Sprintf("run %s", verb)) +
			fmt.Sprintf(" %q: %d steps in %d waves", p.fit(e.Goal, 40), e.Steps, len(e.Waves))
	case event.WaveStartedEvent:
		return headerStyle.Render(fmt.Sprintf("wave %d/%d", e.Wave+1, e.Total)) + " steps " + util.JoinInts(e.Steps)
	case event.StepStartedEvent:
		return fmt.Sprintf("  step %d (%s) attempt %d", e.Step, e.Agent, e.Attempt)
	case event.StepCompletedEvent:
		if !e.Success {
			return ""
		}
		return fmt.Sprintf("  step %d finished in %s with %d commit(s)", e.Step, e.Duration.Round(time.Second), e.Commits)
	case event.StepVerifiedEvent:
		suffix := ""
		if e.Approved {
			suffix = " (approved)"
		}
		return okStyle.Render(fmt.Sprintf("  step %d verified%s", e.Step, suffix))
	case event.StepFailedEvent:
		msg := fmt.Sprintf("  step %d attempt %d failed: %s", e.Step, e.Attempt, p.fit(e.Reason, 40))
		if e.Exhausted || e.Degraded {
			return errStyle.Render(msg)
		}
		return warnStyle.Render(msg)
	case event.WaveCompletedEvent:
		return fmt.Sprintf("wave %d done: merged %s, failed %s", e.Wave+1, util.JoinInts(e.Merged), util.JoinInts(e.Failed))
	case event.OverlapDetectedEvent:
		return warnStyle.Render(fmt.Sprintf("  %s edited by steps %s", e.Path, util.JoinInts(e.Steps)))
	case event.ConflictOpenedEvent:
		return warnStyle.Render(fmt.Sprintf("conflict %s (%s) on step %d: %s", e.ConflictID, e.Type, e.Step, p.fit(e.Description, 50)))
	case event.ConflictResolvedEvent:
		return fmt.Sprintf("conflict %s %s by %s", e.ConflictID, e.Resolution, e.By)
	case event.PlanRevisedEvent:
		return titleStyle.Render(fmt.Sprintf("plan revision %d", e.Revision)) + fmt.Sprintf(" (%s step %d): %s", e.Kind, e.Step, e.Summary)
	case event.DeployFinishedEvent:
		if !e.Success {
			return errStyle.Render("deploy failed: " + e.Error)
		}
		return okStyle.Render("deployed " + e.URL)
	case event.RunFinishedEvent:
		status := runstate.Status(e.Status)
		line := statusStyle(status).Render(fmt.Sprintf("run %s", status)) +
			fmt.Sprintf(" after %s, %d step(s) verified", e.Duration.Round(time.Second), e.Verified)
		if e.Error != "" {
			line += ": " + e.Error
		}
		return line
	}
	return ""
}
