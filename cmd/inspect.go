package cmd

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmextract/internal/ingest"
	"github.com/wegman-software/osmextract/internal/logger"
	"github.com/wegman-software/osmextract/internal/pbf"
)

var (
	inspectCount  bool
	inspectChunks bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <input.osm.pbf>",
	Short: "Show the chunk layout and header of a PBF file",
	Long: `Frame and decode every chunk of a PBF file without touching the database.

Prints the header metadata, then a summary of chunk kinds and entity
counts. With --chunks every chunk is listed. With --count the entity
counts are cross-checked against an independent PBF scanner.`,
	Args: cobra.ExactArgs(1),
	Run:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().BoolVar(&inspectChunks, "chunks", false, "List every chunk")
	inspectCmd.Flags().BoolVar(&inspectCount, "count", false, "Cross-check entity counts with the osmpbf scanner")
	inspectCmd.Flags().BoolVar(&cfg.UseMmap, "mmap", false, "Memory-map the input file")
}

// inspectStats accumulates chunk and entity counts
type inspectStats struct {
	chunks       map[string]int64
	bytes        map[string]int64
	compression  map[string]int64 // header and data chunks by blob encoding
	failed       int64
	nodes        int64
	denseNodes   int64
	ways         int64
	relations    int64
	header       *pbf.Header
	firstFailure error
}

func runInspect(cmd *cobra.Command, args []string) {
	log := logger.Get()
	start := time.Now()

	src, err := pbf.Open(args[0], cfg.UseMmap)
	if err != nil {
		exitWithError("failed to open input", err)
	}
	defer src.Close()

	stats, err := scanChunks(pbf.NewReader(src), os.Stdout, inspectChunks)
	if err != nil {
		exitWithError("failed to read input", err)
	}

	printInspect(os.Stdout, src.Size(), stats)
	if stats.firstFailure != nil {
		log.Warn("Some chunks could not be decoded",
			zap.Int64("failed", stats.failed), zap.Error(stats.firstFailure))
	}

	if inspectCount {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			exitWithError("failed to rewind input", err)
		}
		if reason := crossCheckSkipReason(stats); reason != "" {
			log.Warn("Skipping osmpbf cross-check", zap.String("reason", reason))
		} else if _, err := crossCheck(cmd.Context(), src, stats); err != nil {
			exitWithError("cross-check failed", err)
		}
	}

	log.Debug("Inspect complete", zap.Duration("duration", time.Since(start).Round(time.Millisecond)))
}

func scanChunks(r *pbf.Reader, out io.Writer, list bool) (*inspectStats, error) {
	stats := &inspectStats{
		chunks:      make(map[string]int64),
		bytes:       make(map[string]int64),
		compression: make(map[string]int64),
	}

	dec := pbf.NewDecoder()
	defer dec.Close()

	var tw *tabwriter.Writer
	if list {
		tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tOFFSET\tTYPE\tSIZE\tCONTENT")
	}

	for {
		c, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		stats.chunks[c.Type]++
		stats.bytes[c.Type] += c.Size()
		if c.Type == pbf.TypeHeader || c.Type == pbf.TypeData {
			codec, err := c.Compression()
			if err != nil {
				codec = "invalid"
			}
			stats.compression[codec]++
		}

		var content string
		block, err := dec.Decode(c)
		switch b := block.(type) {
		case nil:
			stats.failed++
			if stats.firstFailure == nil {
				stats.firstFailure = fmt.Errorf("chunk %d: %w", c.Index, err)
			}
			content = "error: " + err.Error()
		case *pbf.Header:
			if stats.header == nil {
				stats.header = b
			}
			content = "header"
		case *pbf.EntityBatch:
			stats.nodes += int64(b.PlainNodes)
			stats.denseNodes += int64(b.DenseNodes)
			stats.ways += int64(len(b.Ways))
			stats.relations += int64(b.Relations)
			content = fmt.Sprintf("nodes=%d dense=%d ways=%d relations=%d",
				b.PlainNodes, b.DenseNodes, len(b.Ways), b.Relations)
		case pbf.Unrecognized:
			content = "skipped"
		}

		if tw != nil {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n",
				c.Index, c.Offset, c.Type, ingest.FormatBytes(c.Size()), content)
		}
	}

	if tw != nil {
		fmt.Fprintln(tw)
		if err := tw.Flush(); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

func printInspect(out io.Writer, size int64, stats *inspectStats) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "File size:\t%s\n", ingest.FormatBytes(size))
	if h := stats.header; h != nil {
		fmt.Fprintf(tw, "Writing program:\t%s\n", h.WritingProgram)
		if h.Source != "" {
			fmt.Fprintf(tw, "Source:\t%s\n", h.Source)
		}
		if h.Bounds != nil {
			fmt.Fprintf(tw, "Bounds:\t%.7f,%.7f,%.7f,%.7f\n",
				h.Bounds.Min.Lon(), h.Bounds.Min.Lat(), h.Bounds.Max.Lon(), h.Bounds.Max.Lat())
		}
		fmt.Fprintf(tw, "Required features:\t%v\n", h.RequiredFeatures)
		if len(h.OptionalFeatures) > 0 {
			fmt.Fprintf(tw, "Optional features:\t%v\n", h.OptionalFeatures)
		}
		if unsupported := h.UnsupportedFeatures(); len(unsupported) > 0 {
			fmt.Fprintf(tw, "Unsupported features:\t%v\n", unsupported)
		}
		if !h.ReplicationTimestamp.IsZero() {
			fmt.Fprintf(tw, "Replication timestamp:\t%s\n", h.ReplicationTimestamp.UTC().Format(time.RFC3339))
		}
		if h.ReplicationSequence > 0 {
			fmt.Fprintf(tw, "Replication sequence:\t%d\n", h.ReplicationSequence)
		}
		if h.ReplicationBaseURL != "" {
			fmt.Fprintf(tw, "Replication URL:\t%s\n", h.ReplicationBaseURL)
		}
	} else {
		fmt.Fprintf(tw, "Header:\tnone\n")
	}

	for _, typ := range slices.Sorted(maps.Keys(stats.chunks)) {
		fmt.Fprintf(tw, "Chunks %s:\t%d (%s)\n", typ, stats.chunks[typ], ingest.FormatBytes(stats.bytes[typ]))
	}
	if stats.failed > 0 {
		fmt.Fprintf(tw, "Chunks failed:\t%d\n", stats.failed)
	}
	for _, codec := range slices.Sorted(maps.Keys(stats.compression)) {
		fmt.Fprintf(tw, "Blobs %s:\t%d\n", codec, stats.compression[codec])
	}
	fmt.Fprintf(tw, "Nodes:\t%d (%d dense)\n", stats.nodes+stats.denseNodes, stats.denseNodes)
	fmt.Fprintf(tw, "Ways:\t%d\n", stats.ways)
	fmt.Fprintf(tw, "Relations:\t%d\n", stats.relations)
}

// crossCheckSkipReason reports why the osmpbf scanner cannot read the
// file, empty if it can. The scanner panics on plain Node messages, only
// inflates raw and zlib blobs and rejects blob types other than header
// and data.
func crossCheckSkipReason(stats *inspectStats) string {
	if stats.nodes > 0 {
		return "file contains plain nodes"
	}
	for codec, n := range stats.compression {
		if n > 0 && codec != "raw" && codec != "zlib" {
			return fmt.Sprintf("file contains %s blobs", codec)
		}
	}
	for typ := range stats.chunks {
		if typ != pbf.TypeHeader && typ != pbf.TypeData {
			return fmt.Sprintf("file contains %s chunks", typ)
		}
	}
	if stats.failed > 0 {
		return "file contains chunks that failed to decode"
	}
	return ""
}

// crossCheck counts entities with the osmpbf scanner and compares them
// with the decoded totals. Callers must check crossCheckSkipReason first.
func crossCheck(ctx context.Context, r io.Reader, stats *inspectStats) (bool, error) {
	log := logger.Get()

	scanner := osmpbf.New(ctx, r, cfg.Workers)
	defer scanner.Close()

	var nodes, ways, relations int64
	for scanner.Scan() {
		switch scanner.Object().(type) {
		case *osm.Node:
			nodes++
		case *osm.Way:
			ways++
		case *osm.Relation:
			relations++
		}
	}
	if err := scanner.Err(); err != nil {
		return false, err
	}

	decoded := stats.nodes + stats.denseNodes
	match := nodes == decoded && ways == stats.ways && relations == stats.relations
	fields := []zap.Field{
		zap.Int64("nodes", nodes), zap.Int64("decoded_nodes", decoded),
		zap.Int64("ways", ways), zap.Int64("decoded_ways", stats.ways),
		zap.Int64("relations", relations), zap.Int64("decoded_relations", stats.relations),
	}
	if !match {
		log.Warn("Entity counts differ from osmpbf scanner", fields...)
		return false, nil
	}
	log.Info("Entity counts match osmpbf scanner", fields...)
	return true, nil
}
