// Package transfer streams a file over a message-oriented channel.
//
// A transfer is a text "file-meta" message, the file bytes as a sequence of
// binary fragments of at most ChunkSize bytes in order, and a text
// "file-complete" message. The sender pauses while the channel's pending send
// buffer is above a threshold.
package transfer
