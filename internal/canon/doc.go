// Package canon provides canonical JSON encoding and domain-separated hashing.
//
// Canonical bytes are the only input used for content hashes in the runtime:
// WAL payload hashes, policy decision hashes and saga definition hashes. Two
// values that are equal as JSON documents always encode to identical bytes.
//
// Encoding rules (RFC 8785 flavoured):
//   - Object keys sorted by UTF-16 code units
//   - Strings NFC normalized, no HTML escaping
//   - Integral floats rendered as integers, other floats in shortest form
//   - null is permitted (payloads are opaque caller data)
package canon
