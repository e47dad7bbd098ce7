// Package api provides the response envelope shared across the gateway's
// HTTP surface.
//
// # API Overview
//
// The gateway exposes:
//   - Anthropic-compatible message completions, with provider routing and
//     fallback (POST /v1/messages, aliased at /v1/chat/completions)
//   - Model listing and health/stats endpoints
//
// # Base URL
//
// The gateway binds to loopback only by default:
//
//	http://127.0.0.1:3000
package api
