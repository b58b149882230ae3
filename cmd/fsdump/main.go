// Command fsdump reads a block device's partition map, copies each
// partition's used byte ranges into a sparse destination image, and
// leaves unused regions as holes.
package main

import (
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-fsdump"
	"github.com/dsoprea/go-fsdump/sparseimage"
	"github.com/dsoprea/go-fsdump/vhdx"
)

const (
	defaultVhdxLogicalSectorSize  = 512
	defaultVhdxPhysicalSectorSize = 512
)

type rootParameters struct {
	SourcePath      string `short:"s" long:"source" description:"Path of the source block device or image"`
	DestinationPath string `short:"d" long:"destination" description:"Path of the sparse image to create"`
	Format          string `short:"f" long:"format" description:"Destination image format" choice:"sparseimage" choice:"vhdx" default:"sparseimage"`
	VhdxBlockSize   int64  `long:"vhdx-block-size" description:"VHDX payload block size in bytes" default:"33554432"`
	Trace           bool   `short:"t" long:"trace" description:"Print per-partition progress to stderr"`
	List            bool   `short:"l" long:"list" description:"List the source's GPT partition entries and exit, without dumping"`
	InspectVhdx     string `long:"inspect-vhdx" description:"Path of an existing VHDX image whose BAT entries to list and exit, without dumping"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	args, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	// Positional arguments fill in whichever of source and destination the
	// flags left empty, so `fsdump <source> <destination>` works too.
	if rootArguments.SourcePath == "" && len(args) > 0 {
		rootArguments.SourcePath = args[0]
		args = args[1:]
	}
	if rootArguments.DestinationPath == "" && len(args) > 0 {
		rootArguments.DestinationPath = args[0]
	}

	if rootArguments.Trace {
		fsdump.Trace = os.Stderr
	}

	if rootArguments.InspectVhdx != "" {
		vw, vhdxErr := vhdx.Open(rootArguments.InspectVhdx, false)
		log.PanicIf(vhdxErr)

		defer vw.Close()

		log.PanicIf(vhdx.DumpEntries(os.Stdout, vw))
		return
	}

	if rootArguments.SourcePath == "" {
		log.PanicIf(fsdump.ErrInvalidArgument)
	}

	src, err := fsdump.OpenFileSource(rootArguments.SourcePath, false)
	log.PanicIf(err)

	defer src.Close()

	if rootArguments.List {
		pm, gptErr := fsdump.DecodeGPT(src)
		log.PanicIf(gptErr)
		log.PanicIf(fsdump.DumpEntries(os.Stdout, pm))
		return
	}

	if rootArguments.DestinationPath == "" {
		log.PanicIf(fsdump.ErrInvalidArgument)
	}

	dst, closeDst, err := openDestination(rootArguments.DestinationPath, rootArguments.Format, src.Size())
	log.PanicIf(err)

	defer closeDst()

	log.PanicIf(fsdump.Dump(src, dst))
}

func openDestination(path, format string, logicalSize int64) (fsdump.Source, func() error, error) {
	switch format {
	case "vhdx":
		w, err := vhdx.Create(path, logicalSize, rootArguments.VhdxBlockSize,
			defaultVhdxLogicalSectorSize, defaultVhdxPhysicalSectorSize)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil

	case "sparseimage":
		w, err := sparseimage.Create(path, logicalSize)
		if err != nil {
			return nil, nil, err
		}
		return w, w.Close, nil
	}

	return nil, nil, fsdump.ErrInvalidArgument
}
