// Package probe defines the records exchanged with the kernel-resident
// instrumentation and their JSON projection used across process boundaries.
//
// # Binary Layout
//
// The instrumentation emits two fixed-layout, native-endian records:
//
//	FileEvent    {pid u64, kind u64, fd i64, path [256]byte}   280 bytes
//	ProcessEvent {pid u64, kind u64}                           16 bytes
//
// Paths are NUL padded and silently truncated at PathMax bytes. Decoding
// always checks the sample length before reading any field; a short sample is
// reported as ErrShortRecord and never read.
//
// # Wire Format
//
// When the privileged helper runs out of process, every record is written as
// one JSON object per line. The path travels as its full 256-element byte
// array so that the record survives the round trip bit for bit:
//
//	{"pid":42,"kind":"Open","fd":3,"path":[47,101,116,99,0,0,...]}
//	{"pid":43,"kind":"Close"}
//
// A line carrying fd and path is a file event; a line without them is a
// process event.
package probe
