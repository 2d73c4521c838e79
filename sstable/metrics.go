// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package sstable

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine-wide counters. They register with the default
// prometheus registry on first use of the package.
var (
	metricPartitionsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sstable_partitions_written_total",
		Help: "Partitions consumed by sstable writers.",
	})
	metricRowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sstable_rows_written_total",
		Help: "Clustering rows consumed by sstable writers.",
	})
	metricPartitionsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sstable_partitions_read_total",
		Help: "Partitions emitted by sstable readers.",
	})
	metricPromotedIndexBlockReads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sstable_promoted_index_block_reads_total",
		Help: "Promoted-index blocks examined while seeking within partitions.",
	})
	metricSummaryRebuilds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sstable_summary_rebuilds_total",
		Help: "Summary components regenerated from the index after a parse failure.",
	})
)

func init() {
	prometheus.MustRegister(
		metricPartitionsWritten,
		metricRowsWritten,
		metricPartitionsRead,
		metricPromotedIndexBlockReads,
		metricSummaryRebuilds,
	)
}
