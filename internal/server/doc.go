// Package server implements the HTTP surface of the Palaver chat service.
//
// The implementation is organized into specialized files for configuration,
// authentication, origin control, routing, and handlers to keep the codebase
// maintainable and testable as the project grows. The realtime core lives in
// the room, session, token, and protocol packages.
package server
