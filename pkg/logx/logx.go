// Package logx provides leveled printf logging with an in-memory tail
// for push-channel replay and optional mirroring to a log file.
package logx

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Logger struct {
	agentID string
	logger  *log.Logger
}

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// LogEntry is one captured log line. Line holds the formatted text
// verbatim, ANSI escape bytes included, so the UI's terminal renderer
// keeps working.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Line      string `json:"line"`
}

// tailBuffer stores the most recent log entries for replay to newly
// attached subscribers.
type tailBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

// Sink receives every captured entry as it is logged. The kernel
// registers the push-channel hub here.
type Sink func(entry LogEntry)

var (
	debugEnabled bool
	debugDomains map[string]bool
	debugMutex   sync.RWMutex

	// Tail of recent lines replayed on subscriber attach.
	tail = &tailBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}

	sinkMutex sync.RWMutex
	sinks     []Sink

	fileMutex sync.Mutex
	logFile   *os.File
	teeStderr bool
)

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("CONDUCTOR_DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugEnabled = true
	}

	// CONDUCTOR_DEBUG_DOMAINS=ledger,worker,events limits debug output
	// to the listed domains; unset means all domains.
	if domains := os.Getenv("CONDUCTOR_DEBUG_DOMAINS"); domains != "" {
		debugDomains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugDomains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(agentID string) *Logger {
	return &Logger{
		agentID: agentID,
		logger:  log.New(os.Stderr, "", 0),
	}
}

// SetDebug overrides the environment-derived debug settings.
func SetDebug(enabled bool, domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	debugEnabled = enabled
	if len(domains) == 0 {
		debugDomains = nil
	} else {
		debugDomains = make(map[string]bool)
		for _, domain := range domains {
			debugDomains[strings.TrimSpace(domain)] = true
		}
	}
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for
// the given domain.
func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugEnabled {
		return false
	}
	if debugDomains == nil {
		return true
	}
	return debugDomains[domain]
}

// InitializeLogFile opens <logDir>/conductor.log for appending and
// routes every line there. With tee set, lines also keep going to
// stderr. Call before any other logging so startup lines land in the
// file.
func InitializeLogFile(logDir string, tee bool) error {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}

	path := filepath.Join(logDir, "conductor.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	fileMutex.Lock()
	defer fileMutex.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	teeStderr = tee
	return nil
}

// CloseLogFile flushes and closes the log file if one is open.
func CloseLogFile() error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// TruncateLogFile empties the log file in place. Used by the pipeline
// reset control.
func TruncateLogFile() error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if logFile == nil {
		return nil
	}
	if err := logFile.Truncate(0); err != nil {
		return err
	}
	_, err := logFile.Seek(0, 0)
	return err
}

// RegisterSink adds a receiver for every subsequent log entry.
func RegisterSink(s Sink) {
	sinkMutex.Lock()
	defer sinkMutex.Unlock()
	sinks = append(sinks, s)
}

// ResetSinks removes all registered sinks. Test helper.
func ResetSinks() {
	sinkMutex.Lock()
	defer sinkMutex.Unlock()
	sinks = nil
}

// ClearTail drops the buffered tail. Used by the pipeline reset
// control together with TruncateLogFile.
func ClearTail() {
	tail.mutex.Lock()
	defer tail.mutex.Unlock()
	tail.entries = tail.entries[:0]
}

func (b *tailBuffer) add(entry LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

func (b *tailBuffer) recent(n int) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]LogEntry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// RecentEntries returns up to n buffered entries, oldest first. n <= 0
// returns the whole tail.
func RecentEntries(n int) []LogEntry {
	return tail.recent(n)
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.agentID, level, message)

	fileMutex.Lock()
	if logFile != nil {
		fmt.Fprintln(logFile, logLine)
		if teeStderr {
			l.logger.Println(logLine)
		}
	} else {
		l.logger.Println(logLine)
	}
	fileMutex.Unlock()

	entry := LogEntry{
		Timestamp: timestamp,
		AgentID:   l.agentID,
		Level:     string(level),
		Message:   message,
		Line:      logLine,
	}
	tail.add(entry)

	sinkMutex.RLock()
	registered := sinks
	sinkMutex.RUnlock()
	for _, s := range registered {
		s(entry)
	}
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabledForDomain(l.agentID) {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Raw captures an externally produced line as-is, bypassing the level
// prefix. The supervisor feeds agent stderr through here so terminal
// colors survive into the tail and the push channel.
func (l *Logger) Raw(line string) {
	fileMutex.Lock()
	if logFile != nil {
		fmt.Fprintln(logFile, line)
		if teeStderr {
			l.logger.Println(line)
		}
	} else {
		l.logger.Println(line)
	}
	fileMutex.Unlock()

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		AgentID:   l.agentID,
		Level:     string(LevelInfo),
		Message:   line,
		Line:      line,
	}
	tail.add(entry)

	sinkMutex.RLock()
	registered := sinks
	sinkMutex.RUnlock()
	for _, s := range registered {
		s(entry)
	}
}

func (l *Logger) GetAgentID() string {
	return l.agentID
}

func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{
		agentID: agentID,
		logger:  l.logger,
	}
}

// Global logging functions for convenience.
var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
// Use this when you need both logging and error returning:
//
//	err := logx.Errorf("setup failed: %w", err).
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
// Use this when you need both logging and error wrapping:
//
//	if err != nil { return logx.Wrap(err, "db connect") }.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
