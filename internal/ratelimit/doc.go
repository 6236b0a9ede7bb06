// Package ratelimit protects the signaling hub from abusive clients.
//
// It provides three independent guards:
//   - MessageLimiter: a sliding window of accepted messages per identity.
//   - ConnectionLimiter: concurrent control channels per source address.
//   - TokenBucket: a per-connection frame flood guard applied before any
//     message is parsed.
package ratelimit
