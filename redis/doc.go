// Package redis shares dispatch pacing and single-worker locks across processes.
//
// Pacer reserves one call slot per integration with SET NX PX, so call starts stay at
// least one interval apart no matter how many dispatchers run. Locker wraps redsync.
package redis
