// Package publish talks to the content platform.
//
// Client performs single calls (identity, media registration, media
// fetch/upload, post submission). Publisher strings them into one
// transaction and retries it:
//
//	RESOLVE_IDENTITY -> [REGISTER_MEDIA -> FETCH_MEDIA -> UPLOAD_MEDIA] -> SUBMIT_POST
//
// Rate limiting (429), 5xx and transport errors are retried. 401/403 are
// retried only when Policy.RetryAuthFailures is set. Everything else fails
// the transaction immediately.
package publish
