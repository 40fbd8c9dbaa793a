// Package session owns the connection settings shared by the remote producer
// client and the queue server.
//
// Ownership boundary:
// - dial/read/write timeouts
// - retry/backoff for the producer dial loop
// - transport security validation and tls.Config builders
package session
