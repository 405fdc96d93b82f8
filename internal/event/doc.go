// Package event defines the envelope for research session events and the
// synthetic keepalive used by streaming transports.
package event
