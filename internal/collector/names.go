package collector

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"
)

// UnknownProcess names a pid nothing could be resolved for.
const UnknownProcess = "unknown"

// NameResolver looks up a process name by pid. It returns "" when the pid
// cannot be resolved.
type NameResolver interface {
	Resolve(pid uint32) string
}

// ProcNames resolves names from <procRoot>/<pid>/comm. Hits are cached, so
// a pid that exits keeps its last known name until it is evicted.
type ProcNames struct {
	fs    procfs.FS
	cache *lru.Cache[uint32, string]
}

func NewProcNames(procRoot string, size int) (*ProcNames, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[uint32, string](size)
	if err != nil {
		return nil, err
	}
	return &ProcNames{fs: fs, cache: cache}, nil
}

func (p *ProcNames) Resolve(pid uint32) string {
	if name, ok := p.cache.Get(pid); ok {
		return name
	}
	proc, err := p.fs.Proc(int(pid))
	if err != nil {
		return ""
	}
	name, err := proc.Comm()
	if err != nil || name == "" {
		return ""
	}
	p.cache.Add(pid, name)
	return name
}

// Forget drops a cached pid, e.g. once it is known to have been reused.
func (p *ProcNames) Forget(pid uint32) {
	p.cache.Remove(pid)
}

// Observe forgets pid when the kernel reports it under a name other than
// the cached one, so a reused pid is looked up again.
func (p *ProcNames) Observe(pid uint32, comm string) {
	if cached, ok := p.cache.Peek(pid); ok && cached != comm {
		p.Forget(pid)
	}
}

// nameObserver is implemented by resolvers that cache.
type nameObserver interface {
	Observe(pid uint32, comm string)
}

// threadName reports comms that name a worker thread rather than the
// process, as browsers do for their network threads.
func threadName(comm string) bool {
	return comm == "Socket Thread" || strings.HasPrefix(comm, "DNS Res")
}

// pickName decides a pid's name from the most recent comm seen in the
// capture map. /proc is asked when the comm is empty or names a thread.
func pickName(pid uint32, comm string, names NameResolver) string {
	if comm != "" && !threadName(comm) {
		if o, ok := names.(nameObserver); ok {
			o.Observe(pid, comm)
		}
		return comm
	}
	if names != nil {
		if name := names.Resolve(pid); name != "" {
			return name
		}
	}
	if comm != "" {
		return comm
	}
	return UnknownProcess
}
