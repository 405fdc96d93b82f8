// Package persist layers a durable Redis tier over the in-memory session
// store.
//
// Every mutation is written through to Redis with an expiry equal to the
// session TTL; a read miss in memory falls back to Redis, rehydrates the
// record, and refreshes its TTL. A background health monitor pings Redis on
// an interval and backs off exponentially while it is down. While Redis is
// unavailable every operation transparently continues against memory alone:
// a durable-tier failure is never surfaced as a request error, only logged
// and visible in stats.
package persist
