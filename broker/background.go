// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"time"
)

// originsLoop periodically drops expired ack routes.
func (b *Broker) originsLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(originPruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.pruneOrigins(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

// pruneOrigins removes ack routes that expired before now.
func (b *Broker) pruneOrigins(now time.Time) int {
	b.originsMu.Lock()
	defer b.originsMu.Unlock()

	n := 0
	for id, o := range b.origins {
		if now.After(o.expires) {
			delete(b.origins, id)
			n++
		}
	}
	return n
}
