// Package transport carries the framed RPC protocol over its two supported
// byte streams and exposes the REST facade.
//
// The unix socket listener serves in-box callers with length-delimited JSON
// frames: a 4-byte big-endian payload length followed by the frame bytes.
// The websocket listener serves remote callers and the UI, one frame per
// text message. Both hand accepted connections to the dispatcher and offer
// identical protocol semantics.
//
// The REST facade maps POST /<service>/<method> onto a single call, accepts
// bulk uploads bound to job input pipes at /_upload, and streams job output
// pipes at /_download/<token>. It also mounts /metrics and /health.
package transport
