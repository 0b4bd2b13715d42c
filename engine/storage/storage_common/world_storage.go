package storagecommon

// WorldStorage defines the interface of world storage backends. Records are
// keyed by a category (e.g. "world") and a name within it; the data itself is
// an opaque, serialization-friendly value.
type WorldStorage interface {
	List(category string) ([]string, error)
	Write(category string, name string, data interface{}) error
	Read(category string, name string) (interface{}, error)
	Exists(category string, name string) (bool, error)
	Close()
	IsEOF(err error) bool
}
