// Package dedupe remembers recently seen keys, such as update ids, so a webhook
// delivery that is retried upstream is acknowledged but processed only once.
package dedupe
