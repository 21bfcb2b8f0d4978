// Package sources opens authenticated sessions against a remote photo catalog.
//
// An Opener turns a share reference and an optional passphrase into a Session.
// A Session lists catalog pages and streams item content for the duration of a
// single sync run, and refuses to be used after it expires.
//
// Failures are classified so the caller can decide what to do:
//
//   - AuthError: the share is invalid, expired, or the passphrase is wrong.
//     Retrying cannot help.
//   - NetworkError: a transport failure or a 5xx response that persisted
//     through the transport's own retries.
//
// The synology subpackage implements the Synology Photos shared-album protocol.
package sources
