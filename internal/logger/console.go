package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ConsoleLogger logs run progress to a writer with timestamps and
// thread safety. All output is prefixed with [HH:MM:SS] timestamps.
// Color output is automatically enabled for terminal output
// (os.Stdout/os.Stderr). Verbose mode extends subtask failure output
// with the full underlying error chain.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	verbose     bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided
// io.Writer. If writer is nil, messages are silently discarded.
// logLevel determines the minimum level for messages to be output;
// valid levels are trace, debug, info, warn, error (case-insensitive),
// defaulting to "info" when empty or invalid.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// Returns true for os.Stdout and os.Stderr when they are TTYs.
func isTerminal(w io.Writer) bool {
	if w == nil {
		return false
	}
	if w == os.Stdout {
		return isatty.IsTerminal(os.Stdout.Fd())
	}
	if w == os.Stderr {
		return isatty.IsTerminal(os.Stderr.Fd())
	}
	return false
}

// SetVerbose sets the verbose mode for subtask failure logging.
func (cl *ConsoleLogger) SetVerbose(verbose bool) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	cl.verbose = verbose
}

// shouldLog reports whether a message at level passes the configured
// threshold. Caller must hold the mutex.
func (cl *ConsoleLogger) shouldLog(level int) bool {
	return level >= levelValue(cl.logLevel)
}

func (cl *ConsoleLogger) write(level int, format string, args ...any) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	if cl.writer == nil || !cl.shouldLog(level) {
		return
	}
	timestamp := time.Now().Format("15:04:05")
	fmt.Fprintf(cl.writer, "[%s] %s\n", timestamp, fmt.Sprintf(format, args...))
}

func (cl *ConsoleLogger) paint(c *color.Color, s string) string {
	if !cl.colorOutput {
		return s
	}
	return c.Sprint(s)
}

var (
	greenText  = color.New(color.FgGreen)
	redText    = color.New(color.FgRed)
	yellowText = color.New(color.FgYellow)
	cyanText   = color.New(color.FgCyan)
)

// LogRunStart logs the start of a dispatcher run.
func (cl *ConsoleLogger) LogRunStart(goal string, subtasks, waves int) {
	cl.write(levelInfo, "%s %s (%d subtasks, %d waves)",
		cl.paint(cyanText, "RUN"), truncateLine(goal, 80), subtasks, waves)
}

// LogWaveStart logs the beginning of a wave's concurrent batch.
func (cl *ConsoleLogger) LogWaveStart(group int, subtaskIDs []string) {
	cl.write(levelInfo, "%s wave %d: %s",
		cl.paint(cyanText, "WAVE"), group, strings.Join(subtaskIDs, ", "))
}

// LogWaveComplete logs the end of a wave with its failure count.
func (cl *ConsoleLogger) LogWaveComplete(group int, subtaskIDs []string, failed int) {
	if failed > 0 {
		cl.write(levelWarn, "%s wave %d: %d of %d failed",
			cl.paint(redText, "WAVE"), group, failed, len(subtaskIDs))
		return
	}
	cl.write(levelInfo, "%s wave %d: all %d completed",
		cl.paint(greenText, "WAVE"), group, len(subtaskIDs))
}

// LogSubtaskStart logs a subtask entering the running state.
func (cl *ConsoleLogger) LogSubtaskStart(id, title, agentID, engine string) {
	cl.write(levelDebug, "  → %s %q agent=%s engine=%s", id, truncateLine(title, 60), agentID, engine)
}

// LogSubtaskComplete logs a subtask reaching completed, labeled with
// the backend that produced its output.
func (cl *ConsoleLogger) LogSubtaskComplete(id, backend string) {
	cl.write(levelInfo, "  %s %s via %s", cl.paint(greenText, "DONE"), id, backend)
}

// LogSubtaskFailed logs a subtask reaching failed with its cause.
func (cl *ConsoleLogger) LogSubtaskFailed(id, cause string, err error) {
	cl.mutex.Lock()
	verbose := cl.verbose
	cl.mutex.Unlock()

	if verbose && err != nil {
		cl.write(levelError, "  %s %s (%s): %v", cl.paint(redText, "FAIL"), id, cause, err)
		return
	}
	cl.write(levelError, "  %s %s (%s)", cl.paint(redText, "FAIL"), id, cause)
}

// LogBackendFallback logs the pool moving past a failed backend.
func (cl *ConsoleLogger) LogBackendFallback(from, to string, err error) {
	if to == "" {
		cl.write(levelError, "%s %s failed, no backends remain: %v",
			cl.paint(redText, "BACKEND"), from, err)
		return
	}
	cl.write(levelWarn, "%s %s failed, falling back to %s: %v",
		cl.paint(yellowText, "BACKEND"), from, to, err)
}

// LogToolCall logs one tool invocation (or denial) inside a tool-runner
// loop.
func (cl *ConsoleLogger) LogToolCall(subtaskID, tool string, denied bool) {
	if denied {
		cl.write(levelWarn, "  %s %s: tool %q denied by allow-list",
			cl.paint(yellowText, "TOOL"), subtaskID, tool)
		return
	}
	cl.write(levelDebug, "  TOOL %s: %s", subtaskID, tool)
}

// LogValidationWarning logs a plan-validation rejection that was
// recovered by a fallback graph.
func (cl *ConsoleLogger) LogValidationWarning(reason string) {
	cl.write(levelWarn, "%s plan rejected: %s", cl.paint(yellowText, "PLAN"), reason)
}

// LogRateLimitWait logs a countdown while blocked on a rate limit.
func (cl *ConsoleLogger) LogRateLimitWait(remaining, total int64) {
	cl.write(levelWarn, "%s rate limited, waiting %ds", cl.paint(yellowText, "WAIT"), remaining)
}

// LogLockContention logs a plan-file lock acquisition that had to wait
// on another process, or gave up.
func (cl *ConsoleLogger) LogLockContention(path string, attempts int, waited time.Duration, timedOut bool) {
	if timedOut {
		cl.write(levelError, "%s gave up on %s after %s (%d attempts)",
			cl.paint(redText, "LOCK"), path, waited.Round(time.Millisecond), attempts)
		return
	}
	cl.write(levelWarn, "%s waited %s for %s (%d attempts)",
		cl.paint(yellowText, "LOCK"), waited.Round(time.Millisecond), path, attempts)
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
