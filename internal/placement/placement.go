// Package placement describes where a blob's bytes live.
package placement

import "fmt"

// Kind names a placement variant as stored in metadata and metric labels.
type Kind string

const (
	KindMemory Kind = "memory"
	KindDisk   Kind = "disk"
)

// Placement is either InMemory or OnDisk. The unexported method keeps the
// set of variants closed to this package.
type Placement interface {
	Kind() Kind
	String() string
	placement()
}

// InMemory refers to a buffer held by the blob store's memory arena.
type InMemory struct {
	Handle string
}

// OnDisk refers to a file under the configured temp directory.
type OnDisk struct {
	Path string
}

func (InMemory) Kind() Kind { return KindMemory }
func (OnDisk) Kind() Kind   { return KindDisk }

func (p InMemory) String() string { return "memory:" + p.Handle }
func (p OnDisk) String() string   { return "disk:" + p.Path }

func (InMemory) placement() {}
func (OnDisk) placement()   {}

// IsMemory reports whether p is an in-memory placement.
func IsMemory(p Placement) bool {
	_, ok := p.(InMemory)
	return ok
}

// Decode rebuilds a placement from its persisted columns.
func Decode(inMemory bool, handle, path string) (Placement, error) {
	switch {
	case inMemory && handle != "":
		return InMemory{Handle: handle}, nil
	case !inMemory && path != "":
		return OnDisk{Path: path}, nil
	}
	return nil, fmt.Errorf("invalid placement: in_memory=%t handle=%q path=%q", inMemory, handle, path)
}
