// Package dedupe drops redelivered gateway events by remembering
// recently seen message ids for a bounded window.
package dedupe
