// Package api exposes the promise queue to producers over HTTP. It decodes
// and validates requests, calls service.PromiseService and maps service
// errors to status codes without leaking internal details.
package api
