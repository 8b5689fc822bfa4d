// Package ratelimit limits requests per client ip.
//
// Each client gets a token bucket sized to Max requests per Window, so a
// client may burst through its whole allowance and then refills at
// Max/Window. State is in-memory and per process; idle clients are evicted
// in the background and the number of tracked clients is capped so a flood
// of spoofed sources cannot grow the map without bound.
package ratelimit
