/*
Package ratelimit groups the rate limiting primitives used to throttle
blocking work.

  - bucket: token bucket limiter allowing controlled bursts

Limiters are safe for concurrent use and honor context cancellation.
*/
package ratelimit
