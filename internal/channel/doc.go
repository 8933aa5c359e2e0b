// Package channel is the composition root: one Service per relay
// account, wiring the rate limiter, connection session, and inbound
// router behind the public send/receive surface.
//
// Collaborators (tool wrappers, channel adapters) call exactly one
// Service operation per action and do no throttling or retrying of
// their own; all of that lives here and below.
package channel
