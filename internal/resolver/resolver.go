package resolver

import (
	"context"
	"net"
	"time"

	"golang.org/x/sync/singleflight"
)

// LookupFunc resolves a host name to addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver resolves host names on a Pool. Concurrent lookups of the same
// name share one query.
type Resolver struct {
	pool    *Pool
	lookup  LookupFunc
	timeout time.Duration
	group   singleflight.Group
}

// New returns a resolver backed by pool. A nil lookup uses the system
// resolver.
func New(pool *Pool, lookup LookupFunc, timeout time.Duration) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Resolver{pool: pool, lookup: lookup, timeout: timeout}
}

// Resolve looks host up in the background. done runs from Pool.Dispatch
// with the addresses found, unless the returned job is cancelled first.
func (r *Resolver) Resolve(host string, done func(addrs []net.IP, err error)) (*Job, error) {
	var addrs []net.IP
	work := func(ctx context.Context) error {
		if ip := net.ParseIP(host); ip != nil {
			addrs = []net.IP{ip}
			return nil
		}
		// The shared query outlives any one caller; each caller stops
		// waiting when its own job is cancelled.
		ch := r.group.DoChan(host, func() (interface{}, error) {
			lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
			defer cancel()
			return r.lookup(lookupCtx, host)
		})
		var v interface{}
		select {
		case res := <-ch:
			if res.Err != nil {
				return res.Err
			}
			v = res.Val
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, a := range v.([]net.IPAddr) {
			addrs = append(addrs, a.IP)
		}
		return nil
	}
	finish := func(j *Job) {
		if done != nil {
			done(addrs, j.Err())
		}
	}
	return r.pool.Submit(work, finish)
}
