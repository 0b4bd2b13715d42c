package common

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestStringSet(t *testing.T) {
	ss := StringSet{}
	ss.Add("1")
	ss.Add("2")
	assert.T(t, ss.Contains("1"), "should contain")
	assert.T(t, ss.Contains("2"), "should contain")
	ss.Remove("2")
	assert.T(t, !ss.Contains("2"), "should not contain")
	assert.T(t, len(ss.ToList()) == 1, "wrong length")
}

func TestRefIDSet(t *testing.T) {
	s := RefIDSet{}
	s.Add(RefID(100))
	s.Add(RefID(200))
	assert.T(t, s.Contains(100), "should contain")
	s.Del(100)
	assert.T(t, !s.Contains(100), "should not contain")
	assert.T(t, len(s.ToList()) == 1, "wrong length")
}

func TestRefID(t *testing.T) {
	assert.T(t, NilRefID.IsNil(), "zero RefID should be nil")
	assert.T(t, !RefID(1).IsNil(), "nonzero RefID should not be nil")
}
