// Package meshwire speaks the radio's client API: a framed stream of
// protobuf FromRadio/ToRadio messages over serial or TCP.
//
// Only the fields the bridge consumes are decoded. Unknown fields and
// variants are skipped so newer firmware keeps working.
package meshwire
