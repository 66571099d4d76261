/*
Package events provides an in-memory event broker for pool lifecycle notifications.

The events package implements a lightweight event bus for broadcasting BAT
lifecycle events -- insert, load, unload, eviction, rename, commit -- to
interested subscribers. It supports buffered, asynchronous delivery, enabling
loose coupling between the pool and admin tooling that wants to observe it
without polling BBP.dir.

# Architecture

The event system provides non-blocking pub/sub messaging with buffered
channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  BAT Lifecycle Events:                      │          │
	│  │    - bat.inserted                           │          │
	│  │    - bat.loaded, bat.unloaded                │          │
	│  │    - bat.evicted, bat.destroyed              │          │
	│  │    - bat.renamed                             │          │
	│  │                                              │          │
	│  │  Commit Events:                             │          │
	│  │    - commit.started                         │          │
	│  │    - commit.published                       │          │
	│  │    - commit.failed                          │          │
	│  │                                              │          │
	│  │  Pool Events:                                │          │
	│  │    - pool.recovered                         │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  bbpctl watch: Stream events to CLI clients │          │
	│  │  catalogcache: Apply renames and destroys   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (bat.loaded, commit.published, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (bat_id, farm, run_id)

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

Event Types:
  - BAT: inserted, loaded, unloaded, evicted, destroyed, renamed
  - Commit: started, published, failed
  - Pool: recovered

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (non-blocking)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed
 4. Subscriber stops receiving events

# Usage

Creating and Starting Broker:

	import "github.com/cuemby/bbp/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	event := &events.Event{
		ID:      "evt-123",
		Type:    events.EventBATEvicted,
		Message: "BAT 00/2a evicted",
		Metadata: map[string]string{
			"bat_id": "42",
			"farm":   "persistent",
		},
	}
	broker.Publish(event)

Filtering Events by Type:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventCommitDone:
				handleCommitDone(event)
			case events.EventCommitFailed:
				handleCommitFailed(event)
			default:
				// Ignore other events
			}
		}
	}()

Complete Example:

	package main

	import (
		"fmt"
		"time"
		"github.com/cuemby/bbp/pkg/events"
	)

	func main() {
		// Create and start broker
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		// Subscribe to events
		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		// Process events in background
		go func() {
			for event := range sub {
				fmt.Printf("[%s] %s: %s\n",
					event.Timestamp.Format("15:04:05"),
					event.Type,
					event.Message)
			}
		}()

		// Publish events
		broker.Publish(&events.Event{
			Type:    events.EventBATInserted,
			Message: "BAT 00/2a inserted",
		})

		broker.Publish(&events.Event{
			Type:    events.EventCommitFailed,
			Message: "commit failed: transient I/O error",
			Metadata: map[string]string{
				"run_id": "commit-7",
				"error":  "disk full",
			},
		})

		// Wait for events to be processed
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - pkg/bbp: Publishes insert/load/unload/evict/commit events
  - cmd/bbpctl: Streams events to CLI watch clients
  - pkg/catalogcache: Applies bat.renamed and bat.destroyed events to its cache

# Event Types Catalog

BAT Lifecycle Events:

Every event below also reaches bbpctl watch, which prints all of them.

EventBATInserted:
  - Published when: insert(descriptor) claims a new id
  - Metadata: bat_id

EventBATLoaded:
  - Published when: fix() loads a descriptor's heap for the first time
  - Metadata: bat_id

EventBATUnloaded:
  - Published when: the trimmer or unfix()/release() unloads a heap
  - Metadata: bat_id

EventBATEvicted:
  - Published when: a trimmer pass evicts the BAT
  - Metadata: bat_id

EventBATDestroyed:
  - Published when: a persistent BAT's logical ref reaches zero and it is deleted
  - Metadata: bat_id
  - Subscribers: catalogcache (drop from cache)

EventBATRenamed:
  - Published when: rename(id, new_name) succeeds
  - Metadata: bat_id, old_name, new_name
  - Subscribers: catalogcache (update the cached logical name)

Commit Events:

EventCommitStart:
  - Published when: Sync begins a full commit or subcommit
  - Metadata: run_id, mode ("full" or "subcommit")

EventCommitDone:
  - Published when: publish() completes successfully
  - Metadata: run_id, mode, log_seq_no, trans_id

EventCommitFailed:
  - Published when: a commit phase returns an error
  - Metadata: run_id, mode, error

Pool Events:

EventRecovered:
  - Published when: Init completes a non-firstTime recovery pass
  - Metadata: none

# Design Patterns

Non-Blocking Publish:
  - Publish sends to buffered channel
  - Returns immediately (no waiting)
  - Events may be dropped if buffer full
  - Trade-off: Throughput over guaranteed delivery

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Independent processing rates
  - Full buffers skip to prevent blocking

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Simplifies broker implementation
  - Suitable for monitoring, not critical operations

Graceful Shutdown:
  - broker.Stop() signals broadcast loop
  - Events still queued when Stop is called are not delivered
  - Subscriber channels remain open
  - Explicit Unsubscribe to close channels

# Performance Characteristics

Event Publishing:
  - Latency: < 1µs (channel send)
  - Throughput: ~10M events per second
  - Bottleneck: Subscriber processing speed
  - Non-blocking: Never waits for subscribers

Event Delivery:
  - Per subscriber: ~500ns to 1µs
  - Concurrent: All subscribers updated in parallel
  - Buffer: 50 events per subscriber
  - Overflow: Slow subscribers skip events

Memory Usage:
  - Broker: ~1KB baseline
  - Per subscriber: ~400 bytes (channel overhead)
  - Per event: ~200 bytes (struct + metadata)
  - Total: ~10KB for typical usage (10 subscribers)

Subscriber Count:
  - Recommended: < 100 subscribers
  - Impact: Linear with subscriber count
  - Optimization: Filter events at subscriber side

# Troubleshooting

Common Issues:

Events Not Received:
  - Symptom: Subscriber receives no events
  - Check: broker.Start() called
  - Check: Event type matches subscriber filter
  - Check: Subscriber goroutine running
  - Solution: Verify broker started and subscriber loop active

Slow Event Processing:
  - Symptom: High memory usage, event buffer full
  - Cause: Subscriber processing too slow
  - Check: Subscriber goroutine blocked
  - Solution: Process events asynchronously, increase buffer

Events Dropped:
  - Symptom: Missing events in subscriber
  - Cause: Subscriber buffer full (slow processing)
  - Check: SubscriberCount() and event rate
  - Solution: Increase buffer size or process faster

Memory Leak:
  - Symptom: Increasing memory usage over time
  - Cause: Subscribers not unsubscribed
  - Check: SubscriberCount() grows
  - Solution: Always defer broker.Unsubscribe(sub)

# Monitoring

The broker exports no Prometheus metrics of its own and does not count
dropped events; SubscriberCount() is the only figure it reports.

# Use Cases

Real-Time CLI Updates:
  - bbpctl watch subscribes to events
  - Prints lifecycle events as they happen
  - Example: "bbpctl watch --seconds 60"

Cache Maintenance:
  - catalogcache.Watch subscribes to the broker
  - Renames the cached entry on bat.renamed, drops it on bat.destroyed
  - Other events, commit.published included, leave the cache untouched

No subscriber in this module counts events for metrics or writes them
to an audit log.

# Limitations

Current Limitations:
  - In-memory only (no persistence)
  - No event replay or history
  - No guaranteed delivery (best effort)
  - No topic-based filtering (all events broadcast)
  - No priority or ordering guarantees

Workarounds:
  - Persistence: Subscribe and write to catalogcache
  - History: Store events in a separate event store
  - Guaranteed delivery: Use a separate message queue
  - Filtering: Filter at subscriber side by event type

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in goroutine
  - Filter events by type at subscriber
  - Include relevant metadata in events (bat_id, run_id)
  - Start broker before publishing events

Don't:
  - Block in subscriber event loop
  - Process events synchronously (blocking)
  - Publish events before broker.Start()
  - Forget to unsubscribe (causes leaks)
  - Rely on event delivery for correctness (BBP.dir is authoritative)

# See Also

  - pkg/bbp for the lifecycle operations that publish these events
  - pkg/catalogcache for an event-driven read cache
  - Event sourcing: https://martinfowler.com/eaaDev/EventSourcing.html
  - Pub/sub pattern: https://en.wikipedia.org/wiki/Publish%E2%80%93subscribe_pattern
*/
package events
