package worldstoragefilesystem

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomworld/loom/engine/consts"
	"github.com/loomworld/loom/engine/wlog"
	. "github.com/loomworld/loom/engine/storage/storage_common"
)

// FileSystemWorldStorage saves world records as JSON files in one directory
type FileSystemWorldStorage struct {
	directory string
}

func getFileName(category string, name string) string {
	return category + "$" + base64.URLEncoding.EncodeToString([]byte(name))
}

func (ws *FileSystemWorldStorage) getFilePath(category string, name string) string {
	return filepath.Join(ws.directory, getFileName(category, name))
}

func (ws *FileSystemWorldStorage) Write(category string, name string, data interface{}) error {
	saveFile := ws.getFilePath(category, name)
	dataBytes, err := json.MarshalIndent(data, "", "\t")
	if err != nil {
		return err
	}

	if consts.DEBUG_SAVE_LOAD {
		wlog.Debugf("Saving to file %s: %s", saveFile, string(dataBytes))
	}
	return ioutil.WriteFile(saveFile, dataBytes, 0644)
}

func (ws *FileSystemWorldStorage) Read(category string, name string) (interface{}, error) {
	saveFile := ws.getFilePath(category, name)
	dataBytes, err := ioutil.ReadFile(saveFile)
	if err != nil {
		if os.IsNotExist(err) {
			// no record saved under this name
			return nil, nil
		}
		return nil, err
	}

	var data interface{}
	err = json.Unmarshal(dataBytes, &data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (ws *FileSystemWorldStorage) Exists(category string, name string) (exists bool, err error) {
	saveFile := ws.getFilePath(category, name)
	_, err = os.Stat(saveFile)
	exists = err == nil || os.IsExist(err)
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return
}

func (ws *FileSystemWorldStorage) List(category string) ([]string, error) {
	prefix := category + "$"
	pat := filepath.Join(ws.directory, prefix+"*")
	files, err := filepath.Glob(pat)
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(files))
	prefixLen := len(prefix)
	for _, fpath := range files {
		_, fn := filepath.Split(fpath)
		if !strings.HasPrefix(fn, prefix) {
			wlog.Errorf("invalid file: %s", fpath)
			continue
		}
		namebytes, err := base64.URLEncoding.DecodeString(fn[prefixLen:])
		if err != nil {
			wlog.TraceError("fail to parse file %s", fpath)
			continue
		}

		res = append(res, string(namebytes))
	}
	return res, nil
}

func (ws *FileSystemWorldStorage) Close() {
	// need to do nothing
}

func (ws *FileSystemWorldStorage) IsEOF(err error) bool {
	return false
}

// OpenDirectory opens a directory as world storage, creating it if missing
func OpenDirectory(directory string) (WorldStorage, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	return &FileSystemWorldStorage{
		directory: directory,
	}, nil
}
