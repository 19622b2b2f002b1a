// Package watch is the correlation-and-fallback engine. It admits observed
// events, dispatches lookup commands, pairs the asynchronous replies with
// pending subjects, escalates from the primary lookup to the secondary
// lookup and then to AI analysis, and emits alerts for subjects whose
// valuation or posted items cross the threshold.
//
// Service is the business boundary (admission, reply handling, expiry,
// status). Store persists one Resolution per subject run.
package watch
