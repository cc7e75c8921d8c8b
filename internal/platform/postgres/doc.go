// Package postgres implements store.PromiseStore on PostgreSQL.
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED inside a single UPDATE so any
// number of worker processes can share one database without double-claiming.
package postgres
