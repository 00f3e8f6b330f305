// Package dedupe filters repeated platform events using a time-bounded cache
// keyed by team and event id.
package dedupe
