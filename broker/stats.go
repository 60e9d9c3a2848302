// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Session stats
	totalSessions   atomic.Uint64
	currentSessions atomic.Uint64
	disconnections  atomic.Uint64

	// Publication stats
	publicationsReceived atomic.Uint64
	deliveries           atomic.Uint64
	duplicates           atomic.Uint64
	acksRouted           atomic.Uint64
	acksDropped          atomic.Uint64
	linkForwards         atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Subscription stats
	subscriptions atomic.Int64

	// Error stats
	protocolErrors atomic.Uint64
	deliveryErrors atomic.Uint64
	rateLimited    atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Session tracking.
func (s *Stats) IncrementSessions() {
	s.totalSessions.Add(1)
	s.currentSessions.Add(1)
}

func (s *Stats) DecrementSessions() {
	s.currentSessions.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) GetTotalSessions() uint64 {
	return s.totalSessions.Load()
}

func (s *Stats) GetCurrentSessions() uint64 {
	return s.currentSessions.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

// Publication tracking.
func (s *Stats) IncrementPublications(bytes int) {
	s.publicationsReceived.Add(1)
	s.bytesReceived.Add(uint64(bytes))
}

func (s *Stats) IncrementDeliveries(bytes int) {
	s.deliveries.Add(1)
	s.bytesSent.Add(uint64(bytes))
}

func (s *Stats) IncrementDuplicates() {
	s.duplicates.Add(1)
}

func (s *Stats) IncrementAcksRouted() {
	s.acksRouted.Add(1)
}

func (s *Stats) IncrementAcksDropped() {
	s.acksDropped.Add(1)
}

func (s *Stats) IncrementLinkForwards() {
	s.linkForwards.Add(1)
}

func (s *Stats) GetPublications() uint64 {
	return s.publicationsReceived.Load()
}

func (s *Stats) GetDeliveries() uint64 {
	return s.deliveries.Load()
}

func (s *Stats) GetDuplicates() uint64 {
	return s.duplicates.Load()
}

func (s *Stats) GetAcksRouted() uint64 {
	return s.acksRouted.Load()
}

func (s *Stats) GetAcksDropped() uint64 {
	return s.acksDropped.Load()
}

func (s *Stats) GetLinkForwards() uint64 {
	return s.linkForwards.Load()
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Subscription tracking.
func (s *Stats) AddSubscriptions(n int) {
	s.subscriptions.Add(int64(n))
}

func (s *Stats) GetSubscriptions() int64 {
	return s.subscriptions.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementDeliveryErrors() {
	s.deliveryErrors.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

func (s *Stats) GetDeliveryErrors() uint64 {
	return s.deliveryErrors.Load()
}

func (s *Stats) GetRateLimited() uint64 {
	return s.rateLimited.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of the counters, used by the stats endpoint.
type Snapshot struct {
	UptimeSeconds   int64  `json:"uptime_seconds"`
	TotalSessions   uint64 `json:"total_sessions"`
	CurrentSessions uint64 `json:"current_sessions"`
	Disconnections  uint64 `json:"disconnections"`
	Publications    uint64 `json:"publications"`
	Deliveries      uint64 `json:"deliveries"`
	Duplicates      uint64 `json:"duplicates"`
	AcksRouted      uint64 `json:"acks_routed"`
	AcksDropped     uint64 `json:"acks_dropped"`
	LinkForwards    uint64 `json:"link_forwards"`
	BytesReceived   uint64 `json:"bytes_received"`
	BytesSent       uint64 `json:"bytes_sent"`
	Subscriptions   int64  `json:"subscriptions"`
	ProtocolErrors  uint64 `json:"protocol_errors"`
	DeliveryErrors  uint64 `json:"delivery_errors"`
	RateLimited     uint64 `json:"rate_limited"`
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds:   int64(s.GetUptime().Seconds()),
		TotalSessions:   s.GetTotalSessions(),
		CurrentSessions: s.GetCurrentSessions(),
		Disconnections:  s.GetDisconnections(),
		Publications:    s.GetPublications(),
		Deliveries:      s.GetDeliveries(),
		Duplicates:      s.GetDuplicates(),
		AcksRouted:      s.GetAcksRouted(),
		AcksDropped:     s.GetAcksDropped(),
		LinkForwards:    s.GetLinkForwards(),
		BytesReceived:   s.GetBytesReceived(),
		BytesSent:       s.GetBytesSent(),
		Subscriptions:   s.GetSubscriptions(),
		ProtocolErrors:  s.GetProtocolErrors(),
		DeliveryErrors:  s.GetDeliveryErrors(),
		RateLimited:     s.GetRateLimited(),
	}
}
