// Package event defines the unit of pushed information and its wire envelope.
//
// Every frame in both directions is a JSON object:
//
//	{ "type": "LEAD_ASSIGNED", "data": {...}, "timestamp": "2025-01-15T10:04:05.123Z", "id": "..." }
//
// Type is a closed set (see the Type constants). Frames carrying a type outside that set
// still decode; callers treat them as unrecognized and log them. Target is never
// serialized: it tells the Connection Manager who should receive the event.
package event
