// Package domain models geolocated algal bloom observations and the ports
// the detection pipeline talks through.
//
// # Observations
//
// An [Observation] is the fused result of one detection: a WGS-84 coordinate,
// the sea-surface temperature sample reported by the telemetry provider (if
// any), and the risk estimate returned by the inference service. Records are
// immutable once committed; the store assigns the identifier and commit time.
//
// # Severity
//
// The inference service answers with a probability in [0,1]. The user-facing
// severity is that probability scaled to an integer percentage:
//
//	severity = round(min(100, max(0, probability*100)))
//
// Upstream values outside [0,1] are clamped rather than rejected, so a
// malformed probability of 1.4 yields 100 and a negative one yields 0.
// Rounding is half away from zero, which matches half-up for the
// non-negative range that survives the clamp. See [DeriveSeverity].
//
// # Optional values
//
// Telemetry and inference payloads are decoded into explicit optional fields:
//
//	absent or empty telemetry series  →  Temperature == nil
//	absent chlorophyll                →  Chlorophyll == nil
//	absent probability                →  Probability == 0
//
// # Errors
//
// Every failure surfaced to callers wraps one of four sentinels so adapters
// can map them onto transport status codes with errors.Is: [ErrValidation],
// [ErrUpstreamUnavailable], [ErrStorageUnavailable] and [ErrNotFound].
package domain
