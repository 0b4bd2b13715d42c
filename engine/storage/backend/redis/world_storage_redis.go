package worldstorageredis

import (
	"io"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"

	"github.com/loomworld/loom/engine/netutil"
	. "github.com/loomworld/loom/engine/storage/storage_common"
)

var (
	dataPacker = netutil.MessagePackMsgPacker{}
)

type redisWorldStorage struct {
	c redis.Conn
}

// OpenRedis opens redis as world storage
func OpenRedis(host string, dbindex int) (WorldStorage, error) {
	c, err := redis.Dial("tcp", host)
	if err != nil {
		return nil, errors.Wrap(err, "redis dial failed")
	}

	if _, err := c.Do("SELECT", dbindex); err != nil {
		return nil, errors.Wrap(err, "redis select db failed")
	}

	ws := &redisWorldStorage{
		c: c,
	}

	return ws, nil
}

func recordKey(category string, name string) string {
	return category + "$" + name
}

func packData(data interface{}) (b []byte, err error) {
	b, err = dataPacker.PackMsg(data, b)
	return
}

func (ws *redisWorldStorage) List(category string) ([]string, error) {
	keyMatch := category + "$*"
	r, err := redis.Values(ws.c.Do("SCAN", "0", "MATCH", keyMatch, "COUNT", 10000))
	if err != nil {
		return nil, err
	}
	var names []string
	prefixLen := len(category) + 1
	for {
		nextCursor := r[0]
		keys, err := redis.Strings(r[1], nil)
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			names = append(names, key[prefixLen:])
		}

		if isZeroCursor(nextCursor) {
			break
		}
		r, err = redis.Values(ws.c.Do("SCAN", nextCursor, "MATCH", keyMatch, "COUNT", 10000))
		if err != nil {
			return nil, err
		}
	}
	return names, nil
}

func isZeroCursor(c interface{}) bool {
	return string(c.([]byte)) == "0"
}

func (ws *redisWorldStorage) Write(category string, name string, data interface{}) error {
	b, err := packData(data)
	if err != nil {
		return err
	}

	_, err = ws.c.Do("SET", recordKey(category, name), b)
	return err
}

func (ws *redisWorldStorage) Read(category string, name string) (interface{}, error) {
	b, err := redis.Bytes(ws.c.Do("GET", recordKey(category, name)))
	if err != nil {
		if err == redis.ErrNil {
			return nil, nil
		}
		return nil, err
	}
	var data map[string]interface{}
	if err = dataPacker.UnpackMsg(b, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (ws *redisWorldStorage) Exists(category string, name string) (bool, error) {
	key := recordKey(category, name)
	exists, err := redis.Bool(ws.c.Do("EXISTS", key))
	return exists, err
}

func (ws *redisWorldStorage) Close() {
	ws.c.Close()
}

func (ws *redisWorldStorage) IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
