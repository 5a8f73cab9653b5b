// Package api exposes the payment, escrow, rental, review, reputation and
// balance notification engines over a JSON REST interface rooted at /api/v1.
package api
