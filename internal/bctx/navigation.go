package bctx

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"bidid/internal/protocol"
)

// NavState is the lifecycle of one cross-document navigation.
type NavState int

const (
	NavPending NavState = iota
	NavDOMContentLoaded
	NavComplete
	NavAborted
)

func (s NavState) String() string {
	switch s {
	case NavPending:
		return "pending"
	case NavDOMContentLoaded:
		return "domContentLoaded"
	case NavComplete:
		return "complete"
	case NavAborted:
		return "aborted"
	}
	return "unknown"
}

// navigation tracks one in-flight cross-document load. Same-document
// navigations never allocate one. The state and dclEmitted fields are guarded
// by the owning Tree's mutex; the gate channels release command goroutines
// waiting under a wait policy.
type navigation struct {
	id    string
	url   string
	state NavState

	// dclEmitted flips when the domContentLoaded event has been published,
	// whether reported by the engine or synthesized ahead of load.
	dclEmitted bool

	// err is written before the gates close; readers observe it through the
	// channel-close happens-before edge.
	err error

	dcl      chan struct{}
	load     chan struct{}
	dclOnce  sync.Once
	loadOnce sync.Once
}

func newNavigation(url string) *navigation {
	return &navigation{
		id:    uuid.NewString(),
		url:   url,
		state: NavPending,
		dcl:   make(chan struct{}),
		load:  make(chan struct{}),
	}
}

// signalDCL releases waiters with wait="interactive".
func (n *navigation) signalDCL() {
	n.dclOnce.Do(func() { close(n.dcl) })
}

// signalLoad releases waiters with wait="complete". DCL is released too:
// load implies the earlier milestone.
func (n *navigation) signalLoad() {
	n.signalDCL()
	n.loadOnce.Do(func() { close(n.load) })
}

// abort releases every waiter with err. A waiter left blocked after an abort
// or context destruction would be a leak, so both gates open unconditionally.
func (n *navigation) abort(err error) {
	n.err = err
	n.signalLoad()
}

// wait blocks per the command's wait policy and surfaces an abort as an
// error. With wait="none" the result releases before any milestone.
func (n *navigation) wait(ctx context.Context, state protocol.ReadinessState) error {
	var gate chan struct{}
	switch state {
	case protocol.ReadinessNone:
		return nil
	case protocol.ReadinessInteractive:
		gate = n.dcl
	default:
		gate = n.load
	}

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return n.err
}

// sameDocument reports whether navigating from cur to next stays within the
// already-loaded document: the absolute URLs are identical up to the
// fragment, and a fragment is involved at all.
func sameDocument(cur, next string) bool {
	curBase, curFrag := splitFragment(cur)
	nextBase, nextFrag := splitFragment(next)
	if curBase != nextBase {
		return false
	}
	return curFrag || nextFrag
}

func splitFragment(url string) (base string, hasFragment bool) {
	if i := strings.IndexByte(url, '#'); i >= 0 {
		return url[:i], true
	}
	return url, false
}
