package relayq

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
	"sync"
)

// Rand is a PRNG that is safe for concurrent use.
type Rand struct {
	sync.Mutex
	rand *mathrand.Rand
}

// NewRand returns a new PRNG seeded with random bytes from crypto/rand.
func NewRand() *Rand {
	return &Rand{rand: mathrand.New(mathrand.NewSource(CryptoRandInt()))}
}

// NewSeededRand returns a PRNG with a fixed seed, for tests.
func NewSeededRand(seed int64) *Rand {
	return &Rand{rand: mathrand.New(mathrand.NewSource(seed))}
}

func (r *Rand) Intn(n int) int {
	r.Lock()
	defer r.Unlock()
	return r.rand.Intn(n)
}

func (r *Rand) Int63n(n int64) int64 {
	r.Lock()
	defer r.Unlock()
	return r.rand.Int63n(n)
}

func (r *Rand) Shuffle(n int, swap func(i, j int)) {
	r.Lock()
	defer r.Unlock()
	r.rand.Shuffle(n, swap)
}

// CryptoRandInt returns a cryptographically random number.
func CryptoRandInt() int64 {
	buf := make([]byte, 8)
	_, err := cryptorand.Read(buf)
	if err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return int64(binary.LittleEndian.Uint64(buf))
}
