// Package dedupe provides a bounded, time-windowed set of seen keys used to
// reject replays (challenge nonces) and to ignore stragglers (closed run ids).
package dedupe
