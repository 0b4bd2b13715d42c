// Package storage persists world records through pluggable backends. All
// operations are queued and executed on a dedicated routine; callbacks are
// posted back to the session pump goroutine.
package storage

import (
	"strconv"
	"time"

	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"

	"github.com/loomworld/loom/engine/config"
	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/opmon"
	"github.com/loomworld/loom/engine/post"
	worldstoragefilesystem "github.com/loomworld/loom/engine/storage/backend/filesystem"
	worldstoragemongodb "github.com/loomworld/loom/engine/storage/backend/mongodb"
	worldstorageredis "github.com/loomworld/loom/engine/storage/backend/redis"
	storagecommon "github.com/loomworld/loom/engine/storage/storage_common"
	"github.com/loomworld/loom/engine/wlog"
)

var (
	worldStorage             storagecommon.WorldStorage
	operationQueue           = xnsyncutil.NewSyncQueue()
	storageRoutineTerminated = xnsyncutil.NewOneTimeCond()
)

type saveRequest struct {
	Category string
	Name     string
	Data     interface{}
	Callback SaveCallbackFunc
}

type loadRequest struct {
	Category string
	Name     string
	Callback LoadCallbackFunc
}

type existsRequest struct {
	Category string
	Name     string
	Callback ExistsCallbackFunc
}

type listRequest struct {
	Category string
	Callback ListCallbackFunc
}

// SaveCallbackFunc is the callback type of storage Save
type SaveCallbackFunc func()

// LoadCallbackFunc is the callback type of storage Load
type LoadCallbackFunc func(data interface{}, err error)

// ExistsCallbackFunc is the callback type of storage Exists
type ExistsCallbackFunc func(exists bool, err error)

// ListCallbackFunc is the callback type of storage List
type ListCallbackFunc func([]string, error)

// Save saves a world record to storage
func Save(category string, name string, data interface{}, callback SaveCallbackFunc) {
	operationQueue.Push(saveRequest{
		Category: category,
		Name:     name,
		Data:     data,
		Callback: callback,
	})
	checkOperationQueueLen()
}

// Load loads a world record from storage
func Load(category string, name string, callback LoadCallbackFunc) {
	operationQueue.Push(loadRequest{
		Category: category,
		Name:     name,
		Callback: callback,
	})
	checkOperationQueueLen()
}

// Exists checks if a record of the specified name exists in storage
func Exists(category string, name string, callback ExistsCallbackFunc) {
	operationQueue.Push(existsRequest{
		Category: category,
		Name:     name,
		Callback: callback,
	})
	checkOperationQueueLen()
}

// ListNames returns all record names saved under the category
func ListNames(category string, callback ListCallbackFunc) {
	operationQueue.Push(listRequest{
		Category: category,
		Callback: callback,
	})
	checkOperationQueueLen()
}

var recentWarnedQueueLen = 0

func checkOperationQueueLen() {
	qlen := operationQueue.Len()
	if qlen > 100 && qlen%100 == 0 && recentWarnedQueueLen != qlen {
		wlog.Warnf("Storage operation queue length = %d", qlen)
		recentWarnedQueueLen = qlen
	}
}

// Shutdown storage module
func Shutdown() {
	operationQueue.Close()
	storageRoutineTerminated.Wait()
}

// Initialize is called by the engine to initialize the storage module
func Initialize() {
	err := assureStorageReady()
	if err != nil {
		wlog.Fatalf("Storage backend is not ready: %s", err)
	}
	go storageRoutine()
}

func assureStorageReady() (err error) {
	if worldStorage != nil {
		return
	}

	cfg := config.GetStorage()
	if cfg.Type == "filesystem" {
		worldStorage, err = worldstoragefilesystem.OpenDirectory(cfg.Directory)
	} else if cfg.Type == "redis" {
		var dbindex = 0
		if cfg.DB != "" {
			dbindex, err = strconv.Atoi(cfg.DB)
			if err != nil {
				return err
			}
		}
		worldStorage, err = worldstorageredis.OpenRedis(cfg.Url, dbindex)
	} else if cfg.Type == "mongodb" {
		worldStorage, err = worldstoragemongodb.OpenMongoDB(cfg.Url, cfg.DB)
	} else {
		wlog.Panicf("unknown storage type: %s", cfg.Type)
	}

	return
}

func storageRoutine() {
	defer func() {
		err := recover()
		if err != nil {
			wlog.TraceError("storage routine paniced: %s, restarting ...", err)
			go storageRoutine() // restart the storage routine
		} else {
			// normal quit
			worldStorage.Close()
			storageRoutineTerminated.Signal()
		}
	}()

	for {
		err := assureStorageReady()
		if err != nil {
			wlog.Errorf("Storage backend is not ready: %s", err)
			time.Sleep(time.Second)
			continue
		}

		op := operationQueue.Pop()
		if op == nil { // storage closed
			break
		}

		var monop *opmon.Operation
		if saveReq, ok := op.(saveRequest); ok {
			// handle save request
			monop = opmon.StartOperation("storage.save")
			for {
				if consts.DEBUG_SAVE_LOAD {
					wlog.Debugf("storage: SAVING %s %s ...", saveReq.Category, saveReq.Name)
				}
				err := assureStorageReady()
				if err != nil {
					wlog.Errorf("Storage backend is not ready: %s", err)
					time.Sleep(time.Second) // wait for 1 second to retry
					continue
				}

				err = worldStorage.Write(saveReq.Category, saveReq.Name, saveReq.Data)
				if err != nil {
					wlog.Errorf("storage: save failed: %s", err)

					if worldStorage.IsEOF(err) {
						worldStorage.Close()
						worldStorage = nil
					}

					continue // always retry if fail
				}

				monop.Finish(time.Millisecond * 100)
				if saveReq.Callback != nil {
					post.Post(func() {
						saveReq.Callback()
					})
				}
				break
			}
		} else if loadReq, ok := op.(loadRequest); ok {
			// handle load request
			if consts.DEBUG_SAVE_LOAD {
				wlog.Debugf("storage: LOADING %s %s ...", loadReq.Category, loadReq.Name)
			}
			monop = opmon.StartOperation("storage.load")
			data, err := worldStorage.Read(loadReq.Category, loadReq.Name)
			if err != nil {
				wlog.TraceError("storage: load %s %s failed: %s", loadReq.Category, loadReq.Name, err)
				data = nil
			}

			monop.Finish(time.Millisecond * 100)
			if loadReq.Callback != nil {
				post.Post(func() {
					loadReq.Callback(data, err)
				})
			}

			if err != nil && worldStorage.IsEOF(err) {
				worldStorage.Close()
				worldStorage = nil
			}
		} else if existsReq, ok := op.(existsRequest); ok {
			monop = opmon.StartOperation("storage.exists")
			exists, err := worldStorage.Exists(existsReq.Category, existsReq.Name)
			monop.Finish(time.Millisecond * 100)
			if existsReq.Callback != nil {
				post.Post(func() {
					existsReq.Callback(exists, err)
				})
			}
			if err != nil && worldStorage.IsEOF(err) {
				worldStorage.Close()
				worldStorage = nil
			}
		} else if listReq, ok := op.(listRequest); ok {
			monop = opmon.StartOperation("storage.list")
			names, err := worldStorage.List(listReq.Category)
			if err != nil {
				wlog.TraceError("storage: list %s failed: %s", listReq.Category, err)
			}
			monop.Finish(time.Millisecond * 1000)
			if listReq.Callback != nil {
				post.Post(func() {
					listReq.Callback(names, err)
				})
			}
			if err != nil && worldStorage.IsEOF(err) {
				worldStorage.Close()
				worldStorage = nil
			}
		} else {
			wlog.Panicf("storage: unknown operation: %v", op)
		}
	}
}
