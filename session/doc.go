// Package session keeps the dashboard's live connection to the event service.
//
// A Session owns exactly one transport at a time. It connects when an auth token becomes
// available and disconnects when the token is cleared. It joins and leaves rooms with
// acknowledgement and timeout semantics, and fans inbound wire events out to subscribers as
// normalized events.
//
// Connectivity problems never surface as errors. Callers observe State, Watch state changes,
// and get a bool from JoinRoom. The only panics are wiring mistakes, such as using a Session
// that was not built with New, or calling FromContext on a context that carries none.
package session
