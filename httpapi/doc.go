// Package httpapi exposes a credguard.Engine as JSON over gin.
//
// Responses carry a user-facing message and a stable error code. Codes are
// never part of a response; they only travel by mail.
package httpapi
