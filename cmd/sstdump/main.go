// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// sstdump prints the contents of sstable components for debugging.
//
//	sstdump toc <component-file>
//	sstdump summary <component-file>
//	sstdump stats <component-file>
//	sstdump scylla <component-file>
//
// The component file may be any component of the sstable; the generation
// is derived from its name.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/xingdl2007/scylla/sstable"
	"github.com/xingdl2007/scylla/vfs"
)

func main() {
	root := &cobra.Command{
		Use:   "sstdump",
		Short: "sstdump dumps sstable components",
	}
	root.AddCommand(tocCmd(), summaryCmd(), statsCmd(), scyllaCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openTable(path string) (*sstable.SSTable, error) {
	dir := filepath.Dir(path)
	d, err := sstable.ParseFilename(dir, filepath.Base(path))
	if err != nil {
		return nil, err
	}
	// Opening only needs type names for the dump; the opaque schema reads
	// every clustering component as variable-length bytes.
	schema := &sstable.Schema{
		Keyspace:            d.Keyspace,
		Table:               d.Table,
		PartitionKeyType:    sstable.VariableLengthType("org.apache.cassandra.db.marshal.BytesType"),
		BloomFilterFPChance: 0.01,
		MinIndexInterval:    128,
	}
	return sstable.Open(vfs.Default, dir, schema, sstable.Murmur3Partitioner{},
		d.Generation, d.Version, d.Format, sstable.ReaderOptions{})
}

func tocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toc <component-file>",
		Short: "list the components of an sstable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTable(args[0])
			if err != nil {
				return err
			}
			defer t.Close()
			for _, c := range t.AllComponents() {
				fmt.Printf("%s\n", c.Name)
			}
			return nil
		},
	}
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <component-file>",
		Short: "dump the summary of an sstable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTable(args[0])
			if err != nil {
				return err
			}
			defer t.Close()
			s := t.Summary()
			fmt.Printf("min_index_interval: %d\n", s.MinIndexInterval)
			fmt.Printf("entries: %d\n", len(s.Entries))
			fmt.Printf("first_key: %x\n", s.FirstKey)
			fmt.Printf("last_key: %x\n", s.LastKey)
			for i := range s.Entries {
				fmt.Printf("  %x -> %d\n", s.Entries[i].Key, s.Entries[i].Position)
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <component-file>",
		Short: "dump the statistics of an sstable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTable(args[0])
			if err != nil {
				return err
			}
			defer t.Close()
			st := t.Statistics()
			if st == nil {
				return fmt.Errorf("no statistics component")
			}
			if st.Validation != nil {
				fmt.Printf("partitioner: %s\n", st.Validation.Partitioner)
				fmt.Printf("filter_chance: %g\n", st.Validation.FilterChance)
			}
			if st.Stats != nil {
				m := st.Stats
				fmt.Printf("min_timestamp: %d\n", m.MinTimestamp)
				fmt.Printf("max_timestamp: %d\n", m.MaxTimestamp)
				fmt.Printf("max_local_deletion_time: %d\n", m.MaxLocalDeletionTime)
				fmt.Printf("compression_ratio: %g\n", m.CompressionRatio)
				fmt.Printf("sstable_level: %d\n", m.SSTableLevel)
				fmt.Printf("repaired_at: %d\n", m.RepairedAt)
				fmt.Printf("rows: %d cells: %d\n", m.RowsCount, m.ColumnsCount)
			}
			if st.Serialization != nil {
				fmt.Printf("pk_type: %s\n", st.Serialization.PKTypeName)
				for _, n := range st.Serialization.ClusteringTypeNames {
					fmt.Printf("clustering_type: %s\n", n)
				}
			}
			return nil
		},
	}
}

func scyllaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scylla <component-file>",
		Short: "dump the scylla metadata of an sstable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTable(args[0])
			if err != nil {
				return err
			}
			defer t.Close()
			m := t.ScyllaMetadata()
			if m == nil {
				return fmt.Errorf("no scylla metadata component")
			}
			if m.Features != nil {
				fmt.Printf("features: %#x\n", uint64(*m.Features))
			}
			if m.Sharding != nil {
				for _, tr := range m.Sharding.TokenRanges {
					fmt.Printf("token_range: (%x, %x] left_exclusive=%v right_exclusive=%v\n",
						tr.Left, tr.Right, tr.LeftExclusive, tr.RightExclusive)
				}
			}
			for _, u := range m.Unknown {
				fmt.Printf("unknown tag %d: %d bytes\n", u.Tag, len(u.Payload))
			}
			return nil
		},
	}
}
