// Package app contains the accounting services: the rate limiter, the
// usage ledger, the gate that applies the storage failure policy to both,
// the billing webhook reconciler, and checkout.
//
// Services depend only on ports and domain packages; I/O happens in the
// injected adapters.
package app
