// Package dedupe deduplicates inbound webhook deliveries by delivery ID.
package dedupe
