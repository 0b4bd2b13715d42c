package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworld/loom/engine/binutil"
	"github.com/loomworld/loom/engine/config"
	"github.com/loomworld/loom/engine/punch"
	"github.com/loomworld/loom/engine/wlog"
)

var (
	args struct {
		configFile      string
		logLevel        string
		pprofPort       int
		runInDaemonMode bool
	}
	server     *punch.Server
	signalChan = make(chan os.Signal, 1)
)

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, will override log level in config")
	flag.IntVar(&args.pprofPort, "pprof-port", 0, "enable pprof http server on this port")
	flag.BoolVar(&args.runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
}

func main() {
	parseArgs()

	if args.runInDaemonMode {
		daemoncontext := binutil.Daemonize()
		defer daemoncontext.Release()
	}

	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}

	cfg := config.GetPunchd()
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	binutil.SetupWLog("punchd", logLevel, cfg.LogFile, cfg.LogStderr)
	binutil.SetupHTTPServer(cfg.BindIp, args.pprofPort)

	var err error
	server, err = punch.NewServer(cfg.BindIp, cfg.BindPort, cfg.SessionTTL)
	if err != nil {
		wlog.Fatalf("punchd: %v", err)
	}

	setupSignals()
	startSelfStats(time.Minute)

	server.Run()
	wlog.Infof("punchd terminated gracefully.")
}

func setupSignals() {
	wlog.Infof("Setup signals ...")
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for {
			sig := <-signalChan
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				wlog.Infof("Terminating punchd ...")
				server.Close()
				return
			}
			wlog.Errorf("unexpected signal: %s", sig)
		}
	}()
}
