// +build windows

package binutil

import "github.com/loomworld/loom/engine/wlog"

type nopRelease int

func (_ nopRelease) Release() {

}

func Daemonize() nopRelease {
	// Windows can not daemonize
	wlog.Warnf("can not run in daemon mode in windows, -d ignored")
	return nopRelease(0)
}
