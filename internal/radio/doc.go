// Package radio plays a live station into Discord voice channels.
//
// A Controller keeps at most one PlaybackSession per guild. Each session runs
// a Supervisor that opens the upstream feed, transcodes it through an
// opus.StreamSource and forwards the frames to the voice connection,
// reconnecting with a bounded budget when the stream breaks.
package radio
