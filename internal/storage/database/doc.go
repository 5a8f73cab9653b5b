// Package database opens the relational backends shared by the payment,
// escrow and review stores and hides the small DDL differences between MySQL
// and SQLite.
package database
