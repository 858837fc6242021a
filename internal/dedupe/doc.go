// Package dedupe provides a TTL window of seen keys. Sessions use it to
// render each stored message once; the conversation service uses it to map a
// retried client send back to the message it already stored.
package dedupe
