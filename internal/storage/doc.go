// Package storage keeps the bot's history: an audit log of operator actions
// and the record of relayed posts shown by /history.
//
// Drivers: "file" (JSON Lines) and "sqlite" (modernc.org/sqlite).
package storage
