// Package approval signs the approve/reject links mailed to administrators
// for new registrations. Tokens are HS256 JWTs carrying the subject id, the
// issuance time, a random nonce and the action; they are rejected after the
// configured age or when the subject or action does not match the request.
package approval
