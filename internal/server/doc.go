// Package server hosts the Content Media App API and its frontend from a
// single HTTP server.
//
// Every request passes an observability envelope (request ID, access log,
// metrics) and then a fixed, ordered pipeline of stages: proxy trust,
// security headers, rate limiting, CORS and body parsing. Stages either hand
// the request on, answer it themselves, or fail; failures and panics end in a
// terminal stage that logs them and answers with a generic 500.
//
// The router mounts the auth and content route groups, answers the health
// check, and falls back to the single-page frontend for everything else.
package server
