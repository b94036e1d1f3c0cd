package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	clog "github.com/charmbracelet/log"
)

// L is the process-wide logger. Packages log through the helpers below.
var L = clog.NewWithOptions(os.Stdout, clog.Options{
	ReportTimestamp: true,
	TimeFormat:      time.DateTime,
})

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Init sets up dual logging to stdout and a log file. A failure to open the
// file is reported and logging continues on stdout only.
func Init(path, level string) {
	if lvl, err := clog.ParseLevel(level); err == nil {
		L.SetLevel(lvl)
	} else {
		Warnf("unknown log level %q, keeping %s", level, L.GetLevel())
	}

	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		Warnf("cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		Warnf("cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	logFile = f
	logPath = path
	mu.Unlock()

	L.SetOutput(io.MultiWriter(os.Stdout, f))
	Infof("logging to file: %s", path)
}

// Close detaches the log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	L.SetOutput(os.Stdout)
	err := logFile.Close()
	logFile = nil
	return err
}

func Debugf(format string, v ...interface{}) { L.Debugf(format, v...) }

func Infof(format string, v ...interface{}) { L.Infof(format, v...) }

func Warnf(format string, v ...interface{}) { L.Warnf(format, v...) }

func Errorf(format string, v ...interface{}) { L.Errorf(format, v...) }

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if logPath == "" {
		return "", nil
	}
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n && n > 0 {
			lines = lines[1:]
		}
		if n > 0 {
			lines = append(lines, scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}
	if logPath == "" {
		return nil
	}
	return os.Truncate(logPath, 0)
}
