// Package testing provides test utilities for the rescale module.
//
// It offers helpers for setting up embedded NATS servers for integration
// tests, in the spirit of net/http/httptest.
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - Connect: Extra client connection, one per simulated process
//   - CreateJetStreamKV: Convenience wrapper for KV bucket creation
//   - NewTestLogger: types.Logger writing through testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    rescaletest "github.com/arloliu/rescale/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := rescaletest.StartEmbeddedNATS(t)
//	    // Use nc for your tests
//	}
package testing
