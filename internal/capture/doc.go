// Package capture implements the session replay capture and upload pipeline:
// sampling, buffering of recorder events, segment encoding, the two-phase
// presign/put upload, flush scheduling with a retry/discard policy, and the
// lifecycle that ties recording to host signals (activity, visibility,
// navigation, unload).
//
// Nothing in this package surfaces errors to the host. Host-facing methods of
// Coordinator return no error; failures end in a bounded retry or a silent
// discard and are only visible through logs and metrics.
package capture
