// Package prefetch implements the PrefetchQueue (C5): a priority queue of
// speculative fetches gated by a global byte budget, a concurrency cap, and
// cooperative cancellation when a Critical item needs a slot.
package prefetch

import (
	"container/heap"
	"sync"

	"github.com/use-agent/pageengine/models"
)

// Kind distinguishes a full speculative fetch from a socket-only warm-up.
type Kind string

const (
	KindFull           Kind = "full"
	KindPreconnectOnly Kind = "preconnect_only"
)

// RejectReason explains why Admit declined an item.
type RejectReason string

const (
	RejectNone           RejectReason = ""
	RejectSaveData       RejectReason = "save_data_disabled"
	RejectPolicyDeny     RejectReason = "policy_denied_host"
	RejectBudgetExhausted RejectReason = "budget_exhausted"
)

// HostPolicy reports whether a host may be fetched at all (the CSP
// collaborator's verdict, supplied by the scheduler).
type HostPolicy func(host string) bool

// item is one queued or in-flight speculative fetch.
type item struct {
	url      string
	host     string
	kind     Kind
	priority models.Priority
	seq      uint64
	bytes    int64 // estimated size, charged against budget on completion
	inFlight bool
}

// Queue is the PrefetchQueue. Not safe for concurrent use by itself; the
// scheduler serializes all access through its command channel.
type Queue struct {
	mu sync.Mutex

	pending  itemHeap
	inFlight map[string]*item // url -> item

	remainingBudget int64
	concurrencyCap  int
	highOnly        bool

	disableOnSaveData bool
	saveData          bool

	hostAllowed HostPolicy
	seq         uint64
}

// New creates a Queue with the given starting byte budget and concurrency
// cap (defaults come from SchedulerSettings).
func New(budget int64, concurrencyCap int, hostAllowed HostPolicy) *Queue {
	return &Queue{
		inFlight:        make(map[string]*item),
		remainingBudget: budget,
		concurrencyCap:  concurrencyCap,
		hostAllowed:     hostAllowed,
	}
}

// ApplySettings lets the PolicyEngine mutate live admission parameters
// (e.g. LimitPrefetchOnSlowNetworks setting concurrency=1, high-only).
func (q *Queue) ApplySettings(concurrencyCap int, highOnly, disableOnSaveData, saveData bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.concurrencyCap = concurrencyCap
	q.highOnly = highOnly
	q.disableOnSaveData = disableOnSaveData
	q.saveData = saveData
}

// Enqueue applies the four admission rules and, if
// admitted, pushes the item onto the priority queue. Returns the kind it
// was actually admitted as (a Full request may be downgraded to
// PreconnectOnly) and the reject reason if admission failed outright.
func (q *Queue) Enqueue(url, host string, kind Kind, priority models.Priority, estimatedBytes int64) (Kind, RejectReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Rule 2: save-data opt-out disables speculative fetching entirely.
	if q.saveData && q.disableOnSaveData {
		return kind, RejectSaveData
	}
	// Rule 3: CSP/host policy veto.
	if q.hostAllowed != nil && !q.hostAllowed(host) {
		return kind, RejectPolicyDeny
	}
	// High-only mode (set by LimitPrefetchOnSlowNetworks) rejects anything
	// below High priority outright rather than downgrading.
	if q.highOnly && priority.Level < models.PriorityHigh {
		return kind, RejectPolicyDeny
	}

	// Rule 1: budget exhaustion downgrades Full to PreconnectOnly instead
	// of rejecting outright. "Exhausted" means the remaining budget can't
	// cover this item's estimated cost, not merely that it has hit zero;
	// otherwise a handful of leftover bytes would keep admitting Full
	// fetches it can't actually pay for, driving the budget negative.
	effectiveKind := kind
	if kind == KindFull && q.remainingBudget < estimatedBytes {
		effectiveKind = KindPreconnectOnly
	}

	q.seq++
	it := &item{
		url:      url,
		host:     host,
		kind:     effectiveKind,
		priority: priority,
		seq:      q.seq,
		bytes:    estimatedBytes,
	}

	// Rule 4: if concurrency is saturated and this is Critical, cancel the
	// lowest-priority in-flight item to make room.
	if priority.Level == models.PriorityCritical && len(q.inFlight) >= q.concurrencyCap {
		q.evictLowestInFlightLocked()
	}

	heap.Push(&q.pending, it)
	return effectiveKind, RejectNone
}

// evictLowestInFlightLocked cancels the lowest-priority in-flight item.
// Must be called with mu held. Cancellation is cooperative: the caller
// (scheduler) still owes the transport a Cancel signal; this only frees the
// queue's bookkeeping slot and does not refund any bytes.
func (q *Queue) evictLowestInFlightLocked() {
	var worstURL string
	var worst *item
	for url, it := range q.inFlight {
		if worst == nil || models.Less(worst.priority, it.priority, worst.seq, it.seq) {
			worst = it
			worstURL = url
		}
	}
	if worst != nil {
		delete(q.inFlight, worstURL)
	}
}

// Dequeue pops the next admissible item to dispatch, if concurrency allows.
func (q *Queue) Dequeue() (url string, kind Kind, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.inFlight) >= q.concurrencyCap || q.pending.Len() == 0 {
		return "", "", false
	}
	it := heap.Pop(&q.pending).(*item)
	it.inFlight = true
	q.inFlight[it.url] = it
	return it.url, it.kind, true
}

// CompleteFull records a Full fetch's completion, charging its bytes
// against the budget. PreconnectOnly completions never call this.
func (q *Queue) CompleteFull(url string, bytesTransferred int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, url)
	q.remainingBudget -= bytesTransferred
}

// Cancel marks an in-flight item canceled without refunding its bytes
// (its bytes are not refunded to the budget).
func (q *Queue) Cancel(url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, url)
}

// RemainingBudget reports the current byte budget (may be negative only
// transiently between a charge and the next tick's clamp; callers should
// treat <= 0 as exhausted).
func (q *Queue) RemainingBudget() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remainingBudget
}

// Len reports the number of pending (not yet dispatched) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}
