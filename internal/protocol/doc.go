// Package protocol implements the lobbygrid wire protocol: a length-prefixed
// binary frame carrying a msgpack header (packet type id + timestamp) followed
// by an opaque msgpack payload, plus the process-wide packet type registry.
//
// Frame layout:
//
//	offset  size  field
//	0       4     headerLen (uint32, little-endian)
//	4       H     msgpack array header: [typeId:u16, timestamp:i64 ms]
//	4+H     *     msgpack payload (shape determined by typeId)
//
// All domain structs are serialized as msgpack arrays in field-declaration
// order, never as maps. Both sides of the protocol depend on this positional
// encoding.
package protocol
