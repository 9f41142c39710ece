//go:build !test

// Package testfixtures provides in-memory gateways for exercising the sync engine.
// The gateways are compiled only with the test build tag:
//
//	go test -tags test ./...
package testfixtures
