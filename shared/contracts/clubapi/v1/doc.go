// Package v1 defines the wire shapes of the club platform API consumed by the client core.
//
// The server is a Spring-style REST API whose identifiers arrive either as
// JSON numbers or strings; ID absorbs both. Only fields the core depends on
// are modelled, unknown fields are ignored.
package v1
