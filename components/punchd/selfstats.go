package main

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/wutils"
)

// startSelfStats periodically logs the server's own resource usage and the
// size of the session directory
func startSelfStats(collectInterval time.Duration) {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		wlog.Fatalf("can not find punchd process: pid = %v", pid)
	}

	go wutils.RepeatUntilPanicless(func() {
		for {
			time.Sleep(collectInterval)
			pcnt, err := p.CPUPercent()
			if err != nil {
				wlog.Panicf("selfstats: get process cpu percent failed: %s", err)
			}
			mem, err := p.MemoryInfo()
			if err != nil {
				wlog.Panicf("selfstats: get process memory info failed: %s", err)
			}

			wlog.Infof("selfstats: cpu %.3f%%, rss %d KB, sessions %d",
				pcnt, mem.RSS/1024, server.NumSessions())
		}
	})
}
