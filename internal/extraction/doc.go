// Package extraction applies an unlocked rule set to caller-supplied
// text. It is the primary consumer of the license package's read-only
// rule-set views: pattern matching per category, prompt template lookup,
// and nothing else. The engine never sees key material or the encrypted
// payload, and it performs no I/O, so a denied or expired session simply
// means no engine exists for that identity.
package extraction
