// Package allocator tracks per-agent offer eligibility and outstanding
// resource offers. The offer generation algorithm itself lives outside
// this subsystem; the lifecycle controller only needs deactivate /
// reactivate plus at-most-once offer rescission.
package allocator
