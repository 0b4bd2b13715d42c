package binutil

import (
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/natefinch/lumberjack"

	"github.com/loomworld/loom/engine/wlog"
)

// SetupHTTPServer starts the HTTP server for go tool pprof
func SetupHTTPServer(ip string, port int) {
	if port == 0 {
		// pprof not enabled
		wlog.Infof("pprof server not enabled")
		return
	}

	httpHost := fmt.Sprintf("%s:%d", ip, port)
	wlog.Infof("http server listening on %s", httpHost)
	wlog.Infof("pprof http://%s/debug/pprof/ ... available commands: ", httpHost)
	wlog.Infof("    go tool pprof http://%s/debug/pprof/heap", httpHost)
	wlog.Infof("    go tool pprof http://%s/debug/pprof/profile", httpHost)

	go func() {
		http.ListenAndServe(httpHost, nil)
	}()
}

// SetupWLog sets the log system up for one component (host, client or punchd)
func SetupWLog(component string, logLevel string, logFile string, logStderr bool) {
	wlog.SetSource(component)
	wlog.Infof("Set log level to %s", logLevel)
	wlog.SetLevel(wlog.StringToLevel(logLevel))

	outputWriters := make([]io.Writer, 0, 2)
	if logFile != "" {
		var logFileWriter io.Writer
		logFileWriter = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 100,
			MaxAge:     30, //days
			Compress:   true,
		}

		logFileWriter.(*lumberjack.Logger).Rotate() // rotate immediately
		outputWriters = append(outputWriters, logFileWriter)
	}

	if logStderr {
		outputWriters = append(outputWriters, os.Stderr)
	}

	if len(outputWriters) == 1 {
		wlog.SetOutput(outputWriters[0])
	} else {
		wlog.SetOutput(io.MultiWriter(outputWriters...))
	}
}
