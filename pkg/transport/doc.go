// Package transport provides point-to-point links between cluster members.
//
// A Link is a best-effort, ordered byte stream to one peer with failure
// notification. Links never retry; a failed Send returns *SendError and the
// caller decides what to do. Open performs a small handshake that tells the
// listener who is calling, so inbound frames can be attributed to a peer.
//
// Three implementations are provided:
//   - TCP: raw sockets, frames are cut from the stream with a bufio.SplitFunc
//     supplied by the codec.
//   - WebSocket: one binary message per frame over gorilla/websocket.
//   - Network: an in-process network for tests with partition support.
package transport
