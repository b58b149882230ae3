// Package fsdump produces a sparse image of a block device by reading only
// the regions that are in use according to the on-disk filesystem metadata.
//
// Given a source byte-addressable device containing a partitioned disk, Dump
// writes a destination image whose logical size equals the source's size,
// but whose on-disk footprint contains only the allocated blocks of the
// recognized partitions. The three subsystems that make this possible —
// the partition-map decoder (gpt.go, mbr.go), the filesystem-aware dump
// engines (the apfs package; ntfs.go and the FAT path are straight copies),
// and the sparse container writers (the sparseimage and vhdx packages) —
// are wired together by the orchestrator in orchestrator.go.
package fsdump
