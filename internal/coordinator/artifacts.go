package coordinator

import (
	"sync"

	"github.com/kiranshivaraju/probehub/internal/partition"
)

// artifactPool shares one artifacts handle per partition directory between the executions
// of a tenant, closing it when the last user releases it.
type artifactPool struct {
	mu   sync.Mutex
	open map[string]*pooledArtifacts
}

type pooledArtifacts struct {
	arts *partition.Artifacts
	refs int
}

func newArtifactPool() *artifactPool {
	return &artifactPool{open: make(map[string]*pooledArtifacts)}
}

// acquire returns the handle for dir and a release func that must be called exactly once.
func (p *artifactPool) acquire(dir string) (*partition.Artifacts, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pa, ok := p.open[dir]
	if !ok {
		arts, err := partition.OpenArtifacts(dir)
		if err != nil {
			return nil, nil, err
		}
		pa = &pooledArtifacts{arts: arts}
		p.open[dir] = pa
	}
	pa.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(dir) })
	}
	return pa.arts, release, nil
}

func (p *artifactPool) release(dir string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pa, ok := p.open[dir]
	if !ok {
		return
	}
	pa.refs--
	if pa.refs == 0 {
		delete(p.open, dir)
		_ = pa.arts.Close()
	}
}
