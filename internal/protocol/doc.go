// Package protocol defines what travels over a sync connection.
//
// A connection carries two kinds of frames, told apart by the transport's
// message type: binary frames are CRDT updates, passed through verbatim;
// text frames are JSON control envelopes of the form {"type": ..., ...}.
// Control envelopes are decoded exhaustively into ControlMessage variants
// at the boundary, so nothing downstream inspects raw JSON.
package protocol
