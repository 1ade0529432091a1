// Copyright (C) 2024-2026, DAGBFT Authors. All rights reserved.
// See the file LICENSE for licensing terms.

package votestore

import "github.com/prometheus/client_golang/prometheus"

// newIsolatedRegistry returns a fresh prometheus.Registerer per test so
// repeated Store construction across test functions never collides on
// metric names.
func newIsolatedRegistry() prometheus.Registerer {
	return prometheus.NewRegistry()
}
