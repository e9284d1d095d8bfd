// Package domain models Tor network measurement data.
//
// # Data Sources
//
// Relay data comes from three independent upstream services:
//
//   - Onionoo, the live relay status API. Serves a JSON document listing
//     every relay seen in a recent consensus, with nickname, fingerprint,
//     OR addresses, country, flags, and self-observed bandwidth. Onionoo
//     only retains a short trailing window, so it is used for recent dates.
//   - CollecTor, the historical archive. Serves monthly compressed tar
//     archives of hourly consensus snapshots and of server descriptors,
//     named deterministically by year and month
//     (e.g. consensuses-2024-03.tar.xz).
//   - Tor Metrics userstats, a CSV of estimated daily clients per country
//     with columns date, country, users, lower, upper. A row with an empty
//     country field carries the aggregate total for that date.
//
// # Fingerprints
//
// A relay's identity is its 40-character uppercase hex fingerprint.
// Sources disagree on encoding: Onionoo reports hex (either case), while
// consensus "r" lines carry the identity as base64. [NormalizeFingerprint]
// accepts both and returns the canonical uppercase hex form, which is the
// only form ever used as a map key.
//
// # Bandwidth conventions
//
// Descriptor "bandwidth" lines carry three numeric fields (average, burst,
// observed); the third is the relay's self-measured observed bandwidth in
// bytes per second. Consensus "w" lines carry a measured weight instead.
// A reported value of exactly 2147483647 (math.MaxInt32) is a known
// overflow artifact in old descriptors and is discarded wherever it
// appears; see [BogusBandwidth].
//
// # Uptime bitmap
//
// Consensus snapshots are published hourly. A relay's daily presence is a
// 24-bit bitmap where bit h is set when the relay appeared in the hour-h
// snapshot. Merging the hourly snapshots for one day produces one
// [RelayObservation] per relay with the bitmap filled in and the maximum
// bandwidth seen across hours.
package domain
