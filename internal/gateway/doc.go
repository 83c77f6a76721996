// Package gateway receives the main bot's webhook and fans updates out to workers.
//
// # Overview
//
// The gateway is the only process the chat platform talks to for the main bot.
// Every accepted update is published once to the bot_updates fanout exchange,
// and each worker service reads its own copy from bot_updates:queue.<service>.
//
// # HTTP API
//
//   - POST /telegram/webhook - Main bot updates (checked against the secret token header)
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Ingress
//
// The ingress handler answers 200 once an update is on the exchange, so the
// platform never redelivers it. Duplicate update ids within the dedupe window are
// acknowledged without publishing. When publishing fails the id is forgotten and
// the handler answers 500, so the platform's retry gets a second chance.
//
// The caller's trace context, if any, becomes the parent of the publish span and
// travels with the message in the x-trace header.
//
// # Lifecycle
//
//	gw, err := gateway.Open(ctx, cfg, logger)
//	err = gw.Run(ctx) // registers the webhook, serves until ctx is canceled
//
// A failed webhook registration stops Run before any listener opens.
//
// # Key Files
//
//   - gateway.go: Gateway struct, Open/New, webhook registration, Run
//   - ingress.go: webhook handler and publishing
package gateway
