package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusWarning Status = "warning"
)

type entry struct {
	id          int
	label       string
	status      Status
	message     string
	streamLines []string
	complete    bool
	start       time.Time
	updated     time.Time
	err         error
}

type errorReport struct {
	label string
	err   error
	at    time.Time
}

// Summary counts registered transfers by outcome.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

// Manager renders one line per registered transfer and redraws them in place
// while the display runs. Without a terminal, only the final summary prints.
type Manager struct {
	mu          sync.RWMutex
	entries     map[int]*entry
	nextID      int
	errors      []errorReport
	maxStreams  int
	numLines    int
	out         io.Writer
	interactive bool
	tick        time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	stopOnce    sync.Once
}

func NewManager() *Manager {
	return newManager(os.Stdout, isTerminal())
}

func newManager(out io.Writer, interactive bool) *Manager {
	return &Manager{
		entries:     make(map[int]*entry),
		maxStreams:  10,
		out:         out,
		interactive: interactive,
		tick:        300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

// Register adds a transfer and returns its display id.
func (m *Manager) Register(label string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now()
	m.entries[m.nextID] = &entry{id: m.nextID, label: label, status: StatusPending, start: now, updated: now}
	return m.nextID
}

func (m *Manager) update(id int, fn func(e *entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		fn(e)
		e.updated = time.Now()
	}
}

func (m *Manager) SetMessage(id int, message string) {
	m.update(id, func(e *entry) {
		e.message = message
		if e.status == StatusPending {
			e.status = StatusActive
		}
	})
}

func (m *Manager) SetStatus(id int, status Status) {
	m.update(id, func(e *entry) { e.status = status })
}

func (m *Manager) Status(id int) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[id]; ok {
		return e.status
	}
	return ""
}

// SetProgress replaces the stream lines with a progress bar.
func (m *Manager) SetProgress(id int, current, total int64) {
	m.update(id, func(e *entry) {
		e.status = StatusActive
		e.streamLines = []string{progressLine(current, total, time.Since(e.start).Seconds())}
	})
}

func (m *Manager) AddStreamLine(id int, line string) {
	m.update(id, func(e *entry) {
		e.streamLines = append(e.streamLines, wrapText(line, len(subIndent))...)
		if len(e.streamLines) > m.maxStreams {
			e.streamLines = e.streamLines[len(e.streamLines)-m.maxStreams:]
		}
	})
}

func (m *Manager) Complete(id int, message string) {
	m.update(id, func(e *entry) {
		e.streamLines = nil
		e.message = message
		if message == "" {
			e.message = fmt.Sprintf("Completed %s", e.label)
		}
		e.complete = true
		e.status = StatusSuccess
	})
}

func (m *Manager) ReportError(id int, err error) {
	m.update(id, func(e *entry) {
		e.complete = true
		e.status = StatusError
		e.err = err
		e.message = fmt.Sprintf("Failed %s", e.label)
		m.errors = append(m.errors, errorReport{label: e.label, err: err, at: time.Now()})
	})
}

func (m *Manager) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Summary{Total: len(m.entries)}
	for _, e := range m.entries {
		switch e.status {
		case StatusSuccess:
			s.Succeeded++
		case StatusError:
			s.Failed++
		}
	}
	return s
}

func indicator(status Status) string {
	sym := symbols[status]
	switch status {
	case StatusSuccess:
		return successStyle.Render(sym)
	case StatusError:
		return errorStyle.Render(sym)
	case StatusWarning:
		return warningStyle.Render(sym)
	case StatusPending:
		return pendingStyle.Render(sym)
	}
	return infoStyle.Render(symbols[StatusActive])
}

func styled(status Status, msg string) string {
	switch status {
	case StatusSuccess:
		return successStyle.Render(msg)
	case StatusError:
		return errorStyle.Render(msg)
	case StatusWarning:
		return warningStyle.Render(msg)
	}
	return pendingStyle.Render(msg)
}

// ordered groups entries into active, waiting and completed, each in
// registration order.
func (m *Manager) ordered() (active, waiting, completed []*entry) {
	all := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	for _, e := range all {
		switch {
		case e.complete:
			completed = append(completed, e)
		case e.status == StatusPending:
			waiting = append(waiting, e)
		default:
			active = append(active, e)
		}
	}
	return active, waiting, completed
}

func (m *Manager) render() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, height := terminalSize()
	available := height - 3

	active, waiting, completed := m.ordered()
	needed := len(completed) + len(waiting)
	for _, e := range active {
		needed += 1 + len(e.streamLines)
	}
	if needed > available {
		keep := max(0, available-(needed-len(completed)))
		if len(completed) > keep {
			completed = completed[len(completed)-keep:]
		}
	}

	var lines []string
	for _, e := range active {
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, indicator(e.status), debugStyle.Render(time.Since(e.start).Round(time.Second).String()), styled(e.status, e.message)))
		for _, l := range e.streamLines {
			lines = append(lines, subIndent+streamStyle.Render(l))
		}
	}
	for _, e := range waiting {
		lines = append(lines, fmt.Sprintf("%s%s %s", indent, indicator(e.status), pendingStyle.Render("Waiting... "+e.label)))
	}
	if len(completed) > 10 {
		lines = append(lines, infoStyle.Render(fmt.Sprintf("%s%d transfers completed with hidden status ...", indent, len(completed)-8)))
		completed = completed[len(completed)-8:]
	}
	for _, e := range completed {
		took := e.updated.Sub(e.start).Round(time.Second).String()
		lines = append(lines, fmt.Sprintf("%s%s %s %s", indent, indicator(e.status), debugStyle.Render(took), styled(e.status, e.message)))
	}
	if len(lines) > available && available > 0 {
		lines = lines[:available]
	}
	return lines
}

func (m *Manager) redraw() {
	lines := m.render()
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	for _, l := range lines {
		fmt.Fprintln(m.out, l)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.redraw()
			case <-m.doneCh:
				m.redraw()
				return
			}
		}
	}()
}

// StopDisplay stops redrawing and prints the summary. Safe to call twice.
func (m *Manager) StopDisplay() {
	m.stopOnce.Do(func() {
		close(m.doneCh)
		m.displayWg.Wait()
		if !m.interactive {
			for _, l := range m.render() {
				fmt.Fprintln(m.out, l)
			}
		}
		m.ShowSummary()
	})
}

func (m *Manager) ShowSummary() {
	s := m.Summary()
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, indent+summaryStyle.Render(fmt.Sprintf("Completed %d of %d", s.Succeeded, s.Total)))
	if s.Failed > 0 {
		fmt.Fprintln(m.out, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", s.Failed, s.Total)))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.errors) > 0 {
		fmt.Fprintln(m.out)
		fmt.Fprintln(m.out, indent+errorStyle.Bold(true).Render("Errors:"))
		for i, r := range m.errors {
			fmt.Fprintf(m.out, "%s%s %s %s\n", strings.Repeat(" ", 4),
				errorStyle.Render(fmt.Sprintf("%d.", i+1)),
				debugStyle.Render(fmt.Sprintf("[%s]", r.at.Format("15:04:05"))),
				errorStyle.Render(r.label))
			fmt.Fprintf(m.out, "%s%s\n", subIndent, errorStyle.Render(fmt.Sprintf("Error: %v", r.err)))
		}
	}
	fmt.Fprintln(m.out)
}
