// Package envelope defines the unit of broadcast data and the codec boundary
// used to move it across transport links.
//
// An Envelope carries an opaque payload plus the metadata needed to
// deduplicate and order it: the producing node and a per-producer sequence
// number starting at 1. Sequence 0 is reserved for sync control envelopes
// written at the start of every outbound channel.
//
// Codecs must produce self-delimiting frames because links deliver byte
// streams. ProtoCodec prefixes each frame with a uvarint length and encodes
// the fields with the protobuf wire format.
package envelope
