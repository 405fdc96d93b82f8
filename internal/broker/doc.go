// Package broker provides per-session pub/sub fan-out with bounded history.
//
// # Overview
//
// The broker sits between the agent-execution path (producer) and the
// stream-serving handlers (consumers). Producers call BroadcastEvent with a
// session id; every subscriber of that session receives the event on its own
// bounded queue, and the event is appended to a bounded per-session history
// ring for replay.
//
// # Components
//
//   - Queue: a fixed-capacity, closable subscriber queue. Put is non-blocking
//     and reports failure instead of blocking or panicking; Get blocks up to a
//     timeout and returns a synthetic keepalive when nothing arrives.
//   - Registry: tracks per-session subscriber counts and last-activity times
//     and decides when a session's broker-side state may be reclaimed.
//   - Broker: owns the history rings and subscriber sets, fans out events,
//     serves history, and runs the periodic reclamation sweep.
//
// # Bounded memory
//
// Memory is bounded on three axes regardless of producer rate or subscriber
// churn:
//
//  1. Each history ring holds at most MaxHistoryPerSession events; older
//     entries are evicted on append.
//  2. Events carrying a TTL are dropped by the sweep once expired, even when
//     the ring is under its size cap.
//  3. Sessions with no subscribers and no recent activity are discarded
//     entirely (history and subscriber set) after SessionTTL.
//
// # Backpressure
//
// A slow consumer never blocks the producer: a full queue drops the event
// for that subscriber only. Within one session, every queue observes events
// in broadcast order; a subscriber that drops an event simply has a gap.
//
// # Lifecycle
//
// Construct with New, call Start to launch the sweep, and Shutdown to cancel
// it and force-close every queue. Shutdown is idempotent.
package broker
