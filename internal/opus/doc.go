// Package opus turns an arbitrary live audio feed into Opus frames ready for
// Discord voice playback.
//
// FFmpeg does the heavy lifting: Start spawns it as a child process that
// transcodes its input (piped on stdin, or a URL it fetches itself) into Ogg
// Opus on stdout. A StreamSource demultiplexes that output with the ogg
// package and delivers one Frame per Opus packet over a bounded channel.
// StreamToVoice forwards those frames to a voice connection's send channel.
//
// Frames can also be dumped in a minimal binary format for offline
// inspection: concatenated length-prefixed frames ([uint16 LE length][opus
// bytes]). FrameWriter writes it, FrameReader reads it back.
package opus
