// Package notify sends operator alerts for finished executions.
//
// The service subscribes to execution.finished on the event bus and queues
// a message for every record whose status is in the configured set (failed
// by default). A small worker pool delivers queued messages with a rate
// limit, exponential retry and a short dedup window.
//
// # Transport
//
// Delivery goes through a Sender. The Telegram sender is built on
// gopkg.in/telebot.v4 and every call is wrapped in a sony/gobreaker circuit
// breaker, so a Telegram outage fails fast instead of tying up workers.
package notify
