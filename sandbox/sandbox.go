package sandbox

import (
	"fmt"
	"time"

	"github.com/isdmx/sandboxd/runtime"
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateCreating   State = "creating"
	StateActive     State = "active"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
	StateFailed     State = "failed"
)

// live reports whether the sandbox still holds its name and counts
// against the sandbox quota.
func (s State) live() bool {
	return s == StateCreating || s == StateActive || s == StateDestroying
}

// Limits are the resource ceilings applied to one sandbox.
type Limits struct {
	MemoryMB  int
	CPUs      float64
	DiskBytes int64
}

// Sandbox is the record for one isolated environment. Copies returned
// from the Store are snapshots; mutate through Store operations only.
type Sandbox struct {
	ID         string
	Name       string
	Container  runtime.ContainerRef
	State      State
	CreatedAt  time.Time
	LastActive time.Time
	Limits     Limits
	WorkDir    string
	MountDir   string
	// Packages is an advisory cache of installed packages, not
	// authoritative; the container is the source of truth.
	Packages []string
}

// ContainerName is the name the backing container carries at the runtime.
func (s *Sandbox) ContainerName() string {
	if s.Name != "" {
		return fmt.Sprintf("sandbox-%s", s.Name)
	}
	return fmt.Sprintf("sandbox-%.8s", s.ID)
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	States []State
	Name   string
}

func (f Filter) matches(sb *Sandbox) bool {
	if f.Name != "" && sb.Name != f.Name {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, state := range f.States {
		if sb.State == state {
			return true
		}
	}
	return false
}
