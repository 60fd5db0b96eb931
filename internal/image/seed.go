package image

import (
	"math/rand"
	"sync"
	"time"

	"github.com/samber/do"
)

const (
	RandomSeed int64 = -1
	MaxSeed    int64 = 1<<32 - 1
)

// Seeder draws seeds for requests that ask for a random one.
type Seeder struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSeeder(_ *do.Injector) (*Seeder, error) {
	return &Seeder{rnd: rand.New(rand.NewSource(time.Now().UTC().UnixNano()))}, nil
}

// Resolve returns seed unchanged, or a uniform draw from [0, MaxSeed] when seed
// is RandomSeed.
func (s *Seeder) Resolve(seed int64) int64 {
	if seed != RandomSeed {
		return seed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Int63n(MaxSeed + 1)
}
