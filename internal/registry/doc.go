// Package registry owns the live operator and user connections.
//
// It is the single shared mutable resource of the real-time layer: two
// mutex-guarded maps (operator ID to connection, session ID to connection)
// that no other component touches directly. Broadcast snapshots its
// recipient list under the read lock and sends outside it, so one slow or
// dead peer never stalls the rest.
//
// A failed send anywhere marks that connection dead and removes it; the
// failure never propagates to the caller.
package registry
