package workerpool

import "sync"

// Map runs fn over every item in items on the pool and returns results in
// the same order as items, blocking until all have completed. It is the
// shape reconcile uses to sanitize a batch of raw RFC 822 bodies off the
// goroutine doing IMAP I/O.
func Map[T, R any](p *Pool, items []T, fn func(T) R) []R {
	results := make([]R, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for i, item := range items {
		i, item := i, item
		p.Submit(func() {
			defer wg.Done()
			results[i] = fn(item)
		})
	}
	wg.Wait()
	return results
}
