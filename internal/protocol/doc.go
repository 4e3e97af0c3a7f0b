// Package protocol owns the control message envelope and its line framing.
//
// Ownership boundary:
// - header/body envelope and message constructors
// - status and progress bodies
// - JSON-line read/write with a size cap
package protocol
