package worldstoragefilesystem

import (
	"sort"
	"testing"

	"github.com/bmizerany/assert"
)

func TestFileSystemWorldStorage(t *testing.T) {
	ws, err := OpenDirectory(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	exists, err := ws.Exists("world", "arena")
	if err != nil {
		t.Fatal(err)
	}
	assert.T(t, !exists, "should not exist yet")

	data, err := ws.Read("world", "arena")
	if err != nil {
		t.Fatal(err)
	}
	assert.T(t, data == nil, "a missing record reads as nil")

	record := map[string]interface{}{
		"name":         "arena",
		"stateVersion": float64(17),
		"slots":        []interface{}{map[string]interface{}{"tag": "spawn"}},
	}
	if err := ws.Write("world", "arena", record); err != nil {
		t.Fatal(err)
	}

	exists, err = ws.Exists("world", "arena")
	if err != nil {
		t.Fatal(err)
	}
	assert.T(t, exists, "should exist after write")

	data, err = ws.Read("world", "arena")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, record, data)

	// names survive characters that are unsafe in file names
	if err := ws.Write("world", "lobby/We?st*", map[string]interface{}{"x": true}); err != nil {
		t.Fatal(err)
	}

	names, err := ws.List("world")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"arena", "lobby/We?st*"}, names)

	// categories keep separate namespaces
	names, err = ws.List("checkpoint")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, 0, len(names))
}
