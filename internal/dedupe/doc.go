// Package dedupe tracks recently observed radio transmissions so that a frame
// heard twice (by two radios, or on two networks) is still counted twice but
// only triggers first-sighting side effects once.
package dedupe
