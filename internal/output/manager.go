package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/bucket/internal/utils"
)

const (
	statusPending  = "pending"
	statusActive   = "active"
	statusRetrying = "warning"
	statusSuccess  = "success"
	statusError    = "error"
)

type bucketOutput struct {
	ID          int
	Label       string
	Status      string
	Message     string
	Total       int64
	Done        int64
	Attempt     int
	StartTime   time.Time
	AttemptTime time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager renders one status line per bucket and a summary at the end. It
// satisfies coordinator.Reporter.
type Manager struct {
	out         io.Writer
	live        bool
	mutex       sync.RWMutex
	outputs     []*bucketOutput
	errors      []ErrorReport
	numLines    int
	displayTick time.Duration
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return NewManagerWithWriter(os.Stdout)
}

// NewManagerWithWriter redraws live only when out is a terminal; otherwise
// only the summary is written.
func NewManagerWithWriter(out io.Writer) *Manager {
	return &Manager{
		out:         out,
		live:        IsTerminal(out),
		displayTick: 300 * time.Millisecond,
		doneCh:      make(chan struct{}),
	}
}

func (m *Manager) get(id int) *bucketOutput {
	if id < 1 || id > len(m.outputs) {
		return nil
	}
	return m.outputs[id-1]
}

func (m *Manager) Register(label string, total int64) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := time.Now()
	m.outputs = append(m.outputs, &bucketOutput{
		ID:          len(m.outputs) + 1,
		Label:       label,
		Status:      statusPending,
		Total:       total,
		StartTime:   now,
		LastUpdated: now,
	})
	return len(m.outputs)
}

// Attempt resets the progress of a bucket at the start of each try, since a
// retry rewrites its ranges from the beginning.
func (m *Manager) Attempt(id, attempt int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info := m.get(id); info != nil {
		now := time.Now()
		if info.Attempt == 0 {
			info.StartTime = now
		}
		info.Attempt = attempt
		info.Done = 0
		info.Status = statusActive
		info.Message = info.Label
		if attempt > 1 {
			info.Message = fmt.Sprintf("%s (attempt %d)", info.Label, attempt)
		}
		info.AttemptTime = now
		info.LastUpdated = now
	}
}

func (m *Manager) Progress(id int, n int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info := m.get(id); info != nil {
		info.Done += n
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Retry(id, attempt int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info := m.get(id); info != nil {
		info.Status = statusRetrying
		info.Message = fmt.Sprintf("%s retrying (attempt %d): %v", info.Label, attempt, err)
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info := m.get(id); info != nil {
		info.Status = statusSuccess
		info.Done = info.Total
		info.Message = message
		if message == "" {
			info.Message = fmt.Sprintf("Completed %s", info.Label)
		}
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) Fail(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info := m.get(id); info != nil {
		now := time.Now()
		info.Status = statusError
		info.Error = err
		info.Message = fmt.Sprintf("Failed %s", info.Label)
		info.LastUpdated = now
		m.errors = append(m.errors, ErrorReport{Label: info.Label, Error: err, Time: now})
	}
}

func (m *Manager) Status(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info := m.get(id); info != nil {
		return info.Status
	}
	return "unknown"
}

func getStatusIndicator(status string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case statusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case statusRetrying:
		return warningStyle.Render(StyleSymbols["warning"])
	case statusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styleMessage(status, message string) string {
	switch status {
	case statusSuccess:
		return successStyle.Render(message)
	case statusError:
		return errorStyle.Render(message)
	case statusRetrying:
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

// render returns the lines of the live display: active buckets with a
// progress bar first, then a pending count, then the most recent finished
// buckets that still fit.
func (m *Manager) render(width, height int) []string {
	available := max(height-3, 1)
	var active, finished []*bucketOutput
	pending := 0
	for _, info := range m.outputs {
		switch info.Status {
		case statusPending:
			pending++
		case statusSuccess, statusError:
			finished = append(finished, info)
		default:
			active = append(active, info)
		}
	}

	var lines []string
	indent := strings.Repeat(" ", 2+4)
	for _, info := range active {
		elapsed := time.Since(info.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("  %s %s %s", getStatusIndicator(info.Status), debugStyle.Render(elapsed.String()), styleMessage(info.Status, info.Message)))
		attemptElapsed := time.Since(info.AttemptTime).Seconds()
		progress := fmt.Sprintf("%s%s %s %s", PrintProgressBar(info.Done, info.Total, 30),
			debugStyle.Render(fmt.Sprintf("%s / %s", utils.FormatBytes(uint64(info.Done)), utils.FormatBytes(uint64(info.Total)))),
			StyleSymbols["bullet"], debugStyle.Render(utils.FormatSpeed(info.Done, attemptElapsed)))
		lines = append(lines, indent+streamStyle.Render(progress))
	}
	if pending > 0 {
		lines = append(lines, fmt.Sprintf("  %s %s", getStatusIndicator(statusPending), pendingStyle.Render(fmt.Sprintf("%d buckets waiting...", pending))))
	}

	room := available - len(lines)
	if len(finished) > room {
		hidden := len(finished) - max(room-1, 0)
		if room > 0 {
			lines = append(lines, infoStyle.Render(fmt.Sprintf("  %d buckets finished ...", hidden)))
		}
		finished = finished[hidden:]
	}
	for _, info := range finished {
		total := info.LastUpdated.Sub(info.StartTime).Round(time.Second)
		lines = append(lines, fmt.Sprintf("  %s %s %s", getStatusIndicator(info.Status), debugStyle.Render(total.String()), styleMessage(info.Status, info.Message)))
		if info.Error != nil {
			for _, l := range wrapText(info.Error.Error(), width, 2+4) {
				lines = append(lines, indent+errorStyle.Render(l))
			}
		}
	}
	if len(lines) > available {
		lines = lines[:available]
	}
	return lines
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	width, height := terminalSize(m.out)
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lines := m.render(width, height)
	for _, line := range lines {
		fmt.Fprintln(m.out, line)
	}
	m.numLines = len(lines)
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if m.live {
					m.updateDisplay()
				}
			case <-m.doneCh:
				if m.live {
					m.updateDisplay()
				}
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
	for i, err := range m.errors {
		fmt.Fprintf(m.out, "    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", err.Time.Format("15:04:05"))),
			errorStyle.Render(err.Label))
		fmt.Fprintf(m.out, "      %s\n", errorStyle.Render(fmt.Sprintf("Error: %v", err.Error)))
	}
}

// ShowSummary prints nothing when no bucket was registered.
func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if len(m.outputs) == 0 {
		return
	}
	var success, failures int
	var bytes int64
	for _, info := range m.outputs {
		switch info.Status {
		case statusSuccess:
			success++
			bytes += info.Total
		case statusError:
			failures++
		}
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+success2Style.Render(fmt.Sprintf("Completed %d of %d buckets (%s)", success, len(m.outputs), utils.FormatBytes(uint64(bytes)))))
	if failures > 0 {
		fmt.Fprintln(m.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d buckets", failures, len(m.outputs))))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
