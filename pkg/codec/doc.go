// Package codec turns raw transport bytes into JSON-RPC messages and back.
//
// Outbound messages are compact JSON documents, newline-terminated on
// line-delimited streams. Inbound HTTP bodies are tried as a single JSON
// document first and as a server-sent event stream second; stdio output is
// one JSON document per line. Decoders keep explicit state so that input can
// arrive in arbitrary chunks.
package codec
