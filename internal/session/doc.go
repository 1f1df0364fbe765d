// Package session implements the client side of the real-time channel.
//
// A Session keeps one logical connection alive across transport drops:
//   - Connect dials with the session token and starts a client heartbeat
//   - Abnormal closes schedule a reconnect after interval × 2^attempt
//   - The attempt counter resets only when the server answers with CONNECTED
//   - Reconnects stop once MaxReconnectAttempts is reached (StateFailed)
//   - A policy-violation close (token rejected) fails the session at once
//   - Disconnect cancels any pending reconnect and is terminal until Connect
//
// Timers go through a Clock so tests can drive backoff deterministically.
package session
