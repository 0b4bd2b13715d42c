package worldstoragemongodb

import (
	"io"

	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	"github.com/loomworld/loom/engine/wlog"
	"github.com/loomworld/loom/engine/storage/storage_common"
)

const (
	_DEFAULT_DB_NAME = "loom"
)

type mongoDBWorldStorage struct {
	db *mgo.Database
}

// OpenMongoDB opens mongodb as world storage
func OpenMongoDB(url string, dbname string) (storagecommon.WorldStorage, error) {
	wlog.Debugf("Connecting MongoDB ...")
	session, err := mgo.Dial(url)
	if err != nil {
		return nil, err
	}

	session.SetMode(mgo.Monotonic, true)
	if dbname == "" {
		// if db is not specified, use default
		dbname = _DEFAULT_DB_NAME
	}
	return &mongoDBWorldStorage{
		db: session.DB(dbname),
	}, nil
}

func (ws *mongoDBWorldStorage) Write(category string, name string, data interface{}) error {
	col := ws.getCollection(category)
	_, err := col.UpsertId(name, bson.M{
		"data": data,
	})
	return err
}

func (ws *mongoDBWorldStorage) Read(category string, name string) (interface{}, error) {
	col := ws.getCollection(category)
	q := col.FindId(name)
	var doc bson.M
	err := q.One(&doc)
	if err == mgo.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ws.convertM2Map(doc["data"].(bson.M)), nil
}

func (ws *mongoDBWorldStorage) convertM2Map(m bson.M) map[string]interface{} {
	ma := map[string]interface{}(m)
	ws.convertM2MapInMap(ma)
	return ma
}

func (ws *mongoDBWorldStorage) convertM2MapInMap(m map[string]interface{}) {
	for k, v := range m {
		switch im := v.(type) {
		case bson.M:
			m[k] = ws.convertM2Map(im)
		case map[string]interface{}:
			ws.convertM2MapInMap(im)
		case []interface{}:
			ws.convertM2MapInList(im)
		}
	}
}

func (ws *mongoDBWorldStorage) convertM2MapInList(l []interface{}) {
	for i, v := range l {
		switch im := v.(type) {
		case bson.M:
			l[i] = ws.convertM2Map(im)
		case map[string]interface{}:
			ws.convertM2MapInMap(im)
		case []interface{}:
			ws.convertM2MapInList(im)
		}
	}
}

func (ws *mongoDBWorldStorage) getCollection(category string) *mgo.Collection {
	return ws.db.C(category)
}

func (ws *mongoDBWorldStorage) List(category string) ([]string, error) {
	col := ws.getCollection(category)
	var docs []bson.M
	err := col.Find(nil).Select(bson.M{"_id": 1}).All(&docs)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(docs))
	for i, doc := range docs {
		names[i] = doc["_id"].(string)
	}
	return names, nil
}

func (ws *mongoDBWorldStorage) Exists(category string, name string) (bool, error) {
	col := ws.getCollection(category)
	query := col.FindId(name)
	var doc bson.M
	err := query.One(&doc)
	if err == nil {
		// doc found
		return true, nil
	} else if err == mgo.ErrNotFound {
		return false, nil
	} else {
		return false, err
	}
}

func (ws *mongoDBWorldStorage) Close() {
	ws.db.Session.Close()
}

func (ws *mongoDBWorldStorage) IsEOF(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
