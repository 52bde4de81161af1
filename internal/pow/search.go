package pow

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/prefixminer/internal/job"
	"github.com/bardlex/prefixminer/pkg/errors"
)

// DefaultCheckInterval is how many nonces a worker tries between context checks
const DefaultCheckInterval = 4096

// notFound marks an empty best nonce
const notFound = math.MaxUint64

// Result describes a finished search
type Result struct {
	Nonce   uint64
	Hash    string
	Hashes  uint64
	Elapsed time.Duration
}

// Hashrate returns candidates tried per second
func (r Result) Hashrate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Hashes) / r.Elapsed.Seconds()
}

// Searcher runs the nonce search. The zero value searches on the calling
// goroutine and checks for cancellation every DefaultCheckInterval nonces.
type Searcher struct {
	// Workers splits the nonce space into interleaved stripes, one goroutine each
	Workers int
	// CheckInterval is the number of nonces between context checks
	CheckInterval int
}

// Search hashes job.PrevHash with nonces 0, 1, 2, ... and returns the first
// nonce whose digest has difficulty leading '0' characters. It never gives up.
//
// A difficulty outside 0..HexDigestLen has no solution: Search then returns
// (0, "") and the empty hash is the only sign of it. Callers whose difficulty
// is not a checked constant use Searcher.Search, which returns a validation
// error instead.
func Search(j *job.Job, difficulty int) (uint64, string) {
	res, err := SearchContext(context.Background(), j, difficulty)
	if err != nil {
		return 0, ""
	}
	return res.Nonce, res.Hash
}

// SearchContext is Search with cancellation. Unless ctx is cancelled it
// returns the same nonce and hash as Search.
func SearchContext(ctx context.Context, j *job.Job, difficulty int) (Result, error) {
	var s Searcher
	return s.Search(ctx, j.PrevHash, difficulty)
}

// Search finds the smallest qualifying nonce for prevHash. With several
// workers each one walks its own stripe in increasing order and stops once it
// passes the best nonce found so far, so the answer matches a serial scan.
func (s *Searcher) Search(ctx context.Context, prevHash string, difficulty int) (Result, error) {
	if difficulty < 0 || difficulty > HexDigestLen {
		return Result{}, errors.New(errors.ErrorTypeValidation, "search",
			"difficulty out of range").
			WithContext("difficulty", difficulty).
			WithContext("max", HexDigestLen)
	}

	workers := max(s.Workers, 1)
	interval := uint64(DefaultCheckInterval)
	if s.CheckInterval > 0 {
		interval = uint64(s.CheckInterval)
	}

	start := time.Now()

	var (
		best    atomic.Uint64
		hashes  atomic.Uint64
		aborted atomic.Bool
	)
	best.Store(notFound)

	run := func(first uint64) {
		tried, completed := scan(ctx, prevHash, difficulty, first, uint64(workers), interval, &best)
		hashes.Add(tried)
		if !completed {
			aborted.Store(true)
		}
	}

	if workers == 1 {
		run(0)
	} else {
		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func(first uint64) {
				defer wg.Done()
				run(first)
			}(uint64(w))
		}
		wg.Wait()
	}

	res := Result{
		Hashes:  hashes.Load(),
		Elapsed: time.Since(start),
	}

	if aborted.Load() {
		return res, ctx.Err()
	}

	res.Nonce = best.Load()
	res.Hash = Hash(prevHash, res.Nonce)
	return res, nil
}

// scan walks first, first+step, first+2*step, ... It reports false when ctx
// was cancelled before the stripe could be settled.
func scan(ctx context.Context, prevHash string, difficulty int, first, step, interval uint64, best *atomic.Uint64) (uint64, bool) {
	h := newHasher(prevHash)
	var tried uint64

	for nonce := first; ; nonce += step {
		if tried%interval == 0 && ctx.Err() != nil {
			return tried, false
		}

		// A smaller winner exists in another stripe
		if nonce > best.Load() {
			return tried, true
		}

		tried++
		if hasZeroPrefix(h.sum(nonce), difficulty) {
			storeMin(best, nonce)
			return tried, true
		}
	}
}

func storeMin(best *atomic.Uint64, nonce uint64) {
	for {
		cur := best.Load()
		if nonce >= cur || best.CompareAndSwap(cur, nonce) {
			return
		}
	}
}
