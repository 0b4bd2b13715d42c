package common

// StringSet is a set of strings
type StringSet map[string]struct{}

// Contains checks if StringSet contains the string
func (ss StringSet) Contains(elem string) bool {
	_, ok := ss[elem]
	return ok
}

// Add adds the string to StringSet
func (ss StringSet) Add(elem string) {
	ss[elem] = struct{}{}
}

// Remove removes the string from StringSet
func (ss StringSet) Remove(elem string) {
	delete(ss, elem)
}

// ToList convert StringSet to string slice
func (ss StringSet) ToList() []string {
	keys := make([]string, 0, len(ss))
	for s := range ss {
		keys = append(keys, s)
	}
	return keys
}

// RefIDSet is a set of RefIDs
type RefIDSet map[RefID]struct{}

// Add adds the RefID to RefIDSet
func (s RefIDSet) Add(id RefID) {
	s[id] = struct{}{}
}

// Del deletes the RefID from RefIDSet
func (s RefIDSet) Del(id RefID) {
	delete(s, id)
}

// Contains checks if RefIDSet contains the RefID
func (s RefIDSet) Contains(id RefID) bool {
	_, ok := s[id]
	return ok
}

// ToList convert RefIDSet to RefID slice
func (s RefIDSet) ToList() []RefID {
	ids := make([]RefID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	return ids
}

// PeerIDSet is a set of PeerIDs
type PeerIDSet map[PeerID]struct{}

// Add adds the PeerID to PeerIDSet
func (s PeerIDSet) Add(id PeerID) {
	s[id] = struct{}{}
}

// Del deletes the PeerID from PeerIDSet
func (s PeerIDSet) Del(id PeerID) {
	delete(s, id)
}

// Contains checks if PeerIDSet contains the PeerID
func (s PeerIDSet) Contains(id PeerID) bool {
	_, ok := s[id]
	return ok
}
