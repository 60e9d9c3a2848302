// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"sync"

	"github.com/absmach/ks/core"
	"github.com/absmach/ks/topics"
)

// Entry is a subscription owned by a broker session.
type Entry struct {
	SessionID string
	Sub       *core.Subscription
}

// TrieRouter indexes subscriptions by their first filter. The remaining
// filters are checked on match, so a subscription is returned only when all
// of its filters match the publication's topics.
type TrieRouter struct {
	mu    sync.RWMutex
	root  *node
	count int
}

type node struct {
	children map[string]*node
	entries  []*Entry // Subscriptions whose first filter ends here
}

// NewRouter returns a new instance.
func NewRouter() *TrieRouter {
	return &TrieRouter{
		root: newNode(),
	}
}

func newNode() *node {
	return &node{
		children: make(map[string]*node),
	}
}

// Subscribe adds sub for sessionID. A subscription with the same ID from the
// same session replaces the previous one; the result reports a replacement.
func (r *TrieRouter) Subscribe(sessionID string, sub *core.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := r.removeLocked(sessionID, sub.ID) > 0

	n := r.root
	for _, level := range topics.Levels(sub.Filters[0]) {
		child, ok := n.children[level]
		if !ok {
			child = newNode()
			n.children[level] = child
		}
		n = child
	}
	n.entries = append(n.entries, &Entry{SessionID: sessionID, Sub: sub})
	r.count++
	return replaced
}

// Unsubscribe removes the subscription subID of sessionID. It reports whether
// a subscription was removed.
func (r *TrieRouter) Unsubscribe(sessionID, subID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID, subID) > 0
}

// RemoveSession removes every subscription of sessionID and returns how many were removed.
func (r *TrieRouter) RemoveSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID, "")
}

// removeLocked drops entries of sessionID, all of them when subID is empty.
func (r *TrieRouter) removeLocked(sessionID, subID string) int {
	removed := prune(r.root, func(e *Entry) bool {
		return e.SessionID == sessionID && (subID == "" || e.Sub.ID == subID)
	})
	r.count -= removed
	return removed
}

// prune removes matching entries below n and drops empty branches.
func prune(n *node, drop func(*Entry) bool) int {
	removed := 0
	if len(n.entries) > 0 {
		kept := n.entries[:0]
		for _, e := range n.entries {
			if drop(e) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(n.entries); i++ {
			n.entries[i] = nil
		}
		n.entries = kept
	}
	for level, child := range n.children {
		removed += prune(child, drop)
		if len(child.entries) == 0 && len(child.children) == 0 {
			delete(n.children, level)
		}
	}
	return removed
}

// Match returns every subscription matched by a publication with the given
// topics. Each subscription appears once regardless of how many topics match.
func (r *TrieRouter) Match(pubTopics []string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := AcquireEntrySlice()
	for _, t := range pubTopics {
		matchLevel(r.root, topics.Levels(t), 0, candidates)
	}

	var result []*Entry
	seen := make(map[*Entry]struct{}, len(*candidates))
	for _, e := range *candidates {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		if e.Sub.Matches(pubTopics) {
			result = append(result, e)
		}
	}

	ReleaseEntrySlice(candidates)
	return result
}

// Len returns the number of subscriptions.
func (r *TrieRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func matchLevel(n *node, levels []string, index int, matched *[]*Entry) {
	if index == len(levels) {
		// Reached end of topic - include exact matches and # wildcards
		*matched = append(*matched, n.entries...)
		if wild, ok := n.children[topics.MultiLevel]; ok {
			*matched = append(*matched, wild.entries...)
		}
		return
	}

	level := levels[index]

	if child, ok := n.children[level]; ok {
		matchLevel(child, levels, index+1, matched)
	}

	if child, ok := n.children[topics.SingleLevel]; ok {
		matchLevel(child, levels, index+1, matched)
	}

	if child, ok := n.children[topics.MultiLevel]; ok {
		*matched = append(*matched, child.entries...)
	}
}
