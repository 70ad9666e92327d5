package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/pretty"
	"golang.org/x/term"

	"github.com/oceanlog/telemlog/archive"
	"github.com/oceanlog/telemlog/devlog"
	"github.com/oceanlog/telemlog/filter"
	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/packet"
	"github.com/oceanlog/telemlog/siser"
)

const timeFormat = "2006-01-02 15:04:05.000"

func newFlagSet(a *app, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stdout)
	return fs
}

// parseFlags returns false if the command shouldn't run because
// only help was requested
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	err := fs.Parse(args)
	if err == pflag.ErrHelp {
		return false, nil
	}
	return err == nil, err
}

// parseTime parses time given as milliseconds since epoch, RFC 3339 or
// a negative duration relative to now (e.g. -2h). Empty string is def.
func parseTime(s string, def int64) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	if s == "now" {
		return time.Now().UnixMilli(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if strings.HasPrefix(s, "-") {
		d, err := time.ParseDuration(s)
		if err == nil {
			return time.Now().Add(d).UnixMilli(), nil
		}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid time '%s', expected milliseconds, RFC 3339 or -<duration>", s)
	}
	return t.UnixMilli(), nil
}

func fmtTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(timeFormat)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// packetPrinter prints packets in toon format or as json lines
type packetPrinter struct {
	w      io.Writer
	asJSON bool
	color  bool
}

func newPacketPrinter(a *app, asJSON bool, color string) (*packetPrinter, error) {
	pp := &packetPrinter{
		w:      a.stdout,
		asJSON: asJSON,
	}
	switch color {
	case "auto":
		pp.color = isTerminal(a.stdout)
	case "always":
		pp.color = true
	case "never":
	default:
		return nil, fmt.Errorf("invalid --color '%s', must be auto, always or never", color)
	}
	return pp, nil
}

func (pp *packetPrinter) print(p *packet.Packet) error {
	if !pp.asJSON {
		s, err := packet.Text(p)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(pp.w, "%s\n\n", s)
		return err
	}
	d, err := json.Marshal(packet.View(p))
	if err != nil {
		return err
	}
	d = pretty.Pretty(d)
	if pp.color {
		d = pretty.Color(d, nil)
	}
	_, err = pp.w.Write(d)
	return err
}

func cmdDump(a *app, args []string) error {
	fs := newFlagSet(a, "dump")
	asJSON := fs.Bool("json", false, "print packets as json")
	color := fs.String("color", "auto", "colorize json: auto, always or never")
	startStr := fs.String("start", "", "start at first packet with time >= start")
	limit := fs.IntP("count", "n", 0, "print at most count packets, 0 means all")
	unread := fs.Bool("unread", false, "print unread packets and mark them as read")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	pp, err := newPacketPrinter(a, *asJSON, *color)
	if err != nil {
		return err
	}
	l, err := a.openLog()
	if err != nil {
		return err
	}

	n := 0
	if *unread {
		for *limit == 0 || n < *limit {
			p, err := l.NextPacket()
			if errors.Is(err, devlog.ErrNoData) {
				break
			}
			if err != nil {
				return err
			}
			if err = pp.print(p); err != nil {
				return err
			}
			n++
		}
		log.Verbosef("printed %d unread packets\n", n)
		return nil
	}

	it := devlog.NewIterator(l)
	if *startStr != "" {
		start, err := parseTime(*startStr, 0)
		if err != nil {
			return err
		}
		it = devlog.NewIteratorFrom(l, start)
	}
	bad := 0
	for it.HasNext() && (*limit == 0 || n < *limit) {
		p, err := it.Next()
		if err != nil {
			log.Warnf("%s\n", err)
			bad++
			continue
		}
		if err = pp.print(p); err != nil {
			return err
		}
		n++
	}
	log.Verbosef("printed %d packets, %d unreadable\n", n, bad)
	return nil
}

func cmdQuery(a *app, args []string) error {
	fs := newFlagSet(a, "query")
	startStr := fs.String("start", "", "start time, default: oldest packet")
	endStr := fs.String("end", "", "end time, default: newest packet")
	maxPackets := fs.Int("max", 100, "max packets per query")
	filterSpecs := fs.StringArray("filter", nil, "filter, e.g. 'types=sensor' or 'subsample=4:sensor' (repeatable)")
	stale := fs.Bool("stale", false, "include packets older than shelf life")
	all := fs.Bool("all", false, "repeat query until all packets are retrieved")
	asJSON := fs.Bool("json", false, "print packets as json")
	color := fs.String("color", "auto", "colorize json: auto, always or never")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	start, err := parseTime(*startStr, math.MinInt64)
	if err != nil {
		return err
	}
	end, err := parseTime(*endStr, math.MaxInt64)
	if err != nil {
		return err
	}
	filters, err := filter.ParseAll(*filterSpecs)
	if err != nil {
		return err
	}
	pp, err := newPacketPrinter(a, *asJSON, *color)
	if err != nil {
		return err
	}
	fl, err := a.openFilteredLog()
	if err != nil {
		return err
	}

	query := func(start int64) (*packet.Set, error) {
		if len(filters) == 0 && !*stale {
			return fl.GetPackets(start, end, *maxPackets)
		}
		if len(filters) == 0 {
			filters = fl.DefaultFilters()
		}
		return fl.QueryPackets(start, end, *maxPackets, filters, !*stale)
	}

	total := 0
	for {
		set, err := query(start)
		if errors.Is(err, devlog.ErrNoData) && total > 0 {
			break
		}
		if err != nil {
			return err
		}
		for _, p := range set.Packets {
			if err = pp.print(p); err != nil {
				return err
			}
		}
		total += set.Len()
		if set.Complete || !*all {
			if !*asJSON {
				a.printf("# %d packets, complete: %v\n", total, set.Complete)
			}
			break
		}
		// a query never splits packets with the same time so the next
		// one starts after the last returned time
		last := set.Last().SystemTime
		if last == math.MaxInt64 {
			break
		}
		start = last + 1
	}
	return nil
}

type kindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

type stats struct {
	Segment         string      `json:"segment"`
	DataPath        string      `json:"data_path"`
	DataSize        uint64      `json:"data_size"`
	Packets         int         `json:"packets"`
	Unread          int         `json:"unread"`
	MinTime         int64       `json:"min_time,omitempty"`
	MaxTime         int64       `json:"max_time,omitempty"`
	LastSequenceNo  int64       `json:"last_sequence_no"`
	LastMetadataRef int64       `json:"last_metadata_ref"`
	Kinds           []kindCount `json:"kinds,omitempty"`
	Unreadable      int         `json:"unreadable,omitempty"`
}

func cmdStats(a *app, args []string) error {
	fs := newFlagSet(a, "stats")
	asJSON := fs.Bool("json", false, "print as json")
	kinds := fs.Bool("kinds", false, "read all packets to count them by kind")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	l, err := a.openLog()
	if err != nil {
		return err
	}
	st := &stats{
		Segment:         l.Segment().String(),
		DataPath:        l.Data().Path(),
		DataSize:        l.Data().Len(),
		Packets:         l.Count(),
		Unread:          l.UnreadCount(),
		LastSequenceNo:  l.Index().LastSequenceNo(),
		LastMetadataRef: l.Index().LastMetadataRef(),
	}
	minTime, maxTime, ok := l.TimeBounds()
	if ok {
		st.MinTime = minTime
		st.MaxTime = maxTime
	}
	if *kinds {
		counts := map[packet.Kind]int{}
		it := devlog.NewIterator(l)
		for it.HasNext() {
			p, err := it.Next()
			if err != nil {
				st.Unreadable++
				continue
			}
			counts[p.Kind()]++
		}
		for _, k := range []packet.Kind{packet.KindSensorData, packet.KindMetadata, packet.KindMessage, packet.KindSummary} {
			if counts[k] > 0 {
				st.Kinds = append(st.Kinds, kindCount{Kind: k.String(), Count: counts[k]})
			}
		}
	}

	if *asJSON {
		d, err := json.Marshal(st)
		if err != nil {
			return err
		}
		_, err = a.stdout.Write(pretty.Pretty(d))
		return err
	}
	a.printf("segment: %s\n", st.Segment)
	a.printf("data file: %s (%d bytes)\n", st.DataPath, st.DataSize)
	a.printf("packets: %d (%d unread)\n", st.Packets, st.Unread)
	if ok {
		a.printf("time: %s - %s\n", fmtTime(st.MinTime), fmtTime(st.MaxTime))
	}
	a.printf("last sequence number: %d\n", st.LastSequenceNo)
	a.printf("last metadata reference: %d\n", st.LastMetadataRef)
	for _, kc := range st.Kinds {
		a.printf("  %s: %d\n", kc.Kind, kc.Count)
	}
	if st.Unreadable > 0 {
		a.printf("unreadable: %d\n", st.Unreadable)
	}
	return nil
}

func cmdCheck(a *app, args []string) error {
	fs := newFlagSet(a, "check")
	rebuild := fs.Bool("rebuild", false, "write index rebuilt from data file")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if a.deviceID == 0 {
		return errors.New("device is not set, use --device or a config file")
	}
	r, err := devlog.Check(devlog.CheckConfig{
		Dir:      a.dir,
		DeviceID: a.deviceID,
		Segment:  a.segment,
		Suffix:   a.suffix,
		Rebuild:  *rebuild,
	})
	if r != nil {
		a.printf("%s", r.String())
	}
	if err != nil {
		return err
	}
	if !r.OK() {
		return fmt.Errorf("problems found in %s", r.DataPath)
	}
	a.printf("ok\n")
	return nil
}

// openOutput opens path for writing, compressed if path has an extension
// of a known compression. "-" is stdout.
func (a *app) openOutput(path string) (io.WriteCloser, func() error, error) {
	if path == "-" {
		return nopCloser{a.stdout}, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	w, err := archive.NewWriter(f, archive.CompressionFromPath(path))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	closeFile := func() error {
		return errors.Join(w.Close(), f.Close())
	}
	return w, closeFile, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

func cmdExport(a *app, args []string) error {
	fs := newFlagSet(a, "export")
	out := fs.StringP("out", "o", "-", "output file, compressed if ends with .zst, .br, .lz4 or .gz")
	startStr := fs.String("start", "", "export packets with time >= start")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	l, err := a.openLog()
	if err != nil {
		return err
	}
	it := devlog.NewIterator(l)
	if *startStr != "" {
		start, err := parseTime(*startStr, 0)
		if err != nil {
			return err
		}
		it = devlog.NewIteratorFrom(l, start)
	}

	w, closeOut, err := a.openOutput(*out)
	if err != nil {
		return err
	}
	sw := siser.NewWriter(w)
	n := 0
	for it.HasNext() {
		p, err := it.Next()
		if err != nil {
			log.Warnf("export: %s\n", err)
			continue
		}
		d, err := packet.CBOR.Encode(p)
		if err == nil {
			_, err = sw.Write(d, p.Time(), p.Kind().String())
		}
		if err != nil {
			closeOut()
			return err
		}
		n++
	}
	if err = closeOut(); err != nil {
		return err
	}
	log.Verbosef("exported %d packets from %s\n", n, l.Segment())
	return nil
}

func cmdImport(a *app, args []string) error {
	fs := newFlagSet(a, "import")
	in := fs.StringP("in", "i", "-", "input file written by export, - is stdin")
	renumber := fs.Bool("renumber", false, "assign new sequence numbers and metadata references")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	var r io.Reader = a.stdin
	if *in != "-" {
		rc, err := archive.OpenCompressed(*in)
		if err != nil {
			return err
		}
		defer rc.Close()
		r = rc
	}
	l, err := a.openLog()
	if err != nil {
		return err
	}

	timeStart := time.Now()
	sr := siser.NewReader(bufio.NewReader(r))
	n := 0
	for sr.ReadNext() {
		p, err := packet.CBOR.Decode(sr.Data)
		if err != nil {
			return fmt.Errorf("record at %d: %w", sr.CurrRecordPos, err)
		}
		if *renumber {
			_, err = l.AppendPacket(p)
		} else {
			_, err = l.AppendPacketAsIs(p)
		}
		if err != nil {
			return err
		}
		n++
	}
	if err = sr.Err(); err != nil {
		return err
	}
	log.EventWithDuration("import", time.Since(timeStart), "segment", l.Segment().String(), "packets", n)
	a.printf("imported %d packets into %s\n", n, l.Segment())
	return nil
}

func cmdAppend(a *app, args []string) error {
	fs := newFlagSet(a, "append")
	msg := fs.StringP("message", "m", "", "message text")
	timeStr := fs.String("time", "", "packet time, default: now")
	source := fs.Int64("source", 0, "source id, default: device id")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if *msg == "" && fs.NArg() > 0 {
		*msg = strings.Join(fs.Args(), " ")
	}
	if *msg == "" {
		return errors.New("message is empty")
	}
	t, err := parseTime(*timeStr, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	l, err := a.openLog()
	if err != nil {
		return err
	}
	p := &packet.Packet{
		SourceID:   *source,
		SystemTime: t,
		Body:       &packet.Message{Message: []byte(*msg)},
	}
	if p.SourceID == 0 {
		p.SourceID = l.DeviceID()
	}
	e, err := l.AppendPacket(p)
	if err != nil {
		return err
	}
	a.printf("appended packet %d (sequence number %d) at %s\n", e.Ordinal, e.SequenceNo, fmtTime(e.TimeKey))
	return nil
}

func cmdArchive(a *app, args []string) error {
	fs := newFlagSet(a, "archive")
	compression := fs.String("compression", a.cfg.Archive.Compression, "zstd, brotli, lz4, gzip or none")
	staging := fs.String("staging", a.cfg.Archive.StagingDir, "directory for compressed files")
	noUpload := fs.Bool("no-upload", false, "only compress, don't upload")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if a.deviceID == 0 {
		return errors.New("device is not set, use --device or a config file")
	}
	c, err := archive.ParseCompression(*compression)
	if err != nil {
		return err
	}
	var target archive.Target
	if !*noUpload {
		if target, err = archive.NewTarget(&a.cfg.Archive); err != nil {
			return err
		}
	}
	// the segment must not be open for appending while archived
	a.closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	res, err := archive.ArchiveSegment(ctx, archive.Options{
		Dir:         a.dir,
		Segment:     a.segmentInfo(),
		StagingDir:  *staging,
		Compression: c,
		Target:      target,
	})
	if err != nil {
		return err
	}
	for _, fd := range res.Manifest.Files {
		a.printf("%s: %d => %d bytes\n", fd.Name, fd.OriginalSize, fd.Size)
	}
	a.printf("manifest: %s\n", res.ManifestPath)
	if target != nil {
		a.printf("uploaded %d files to %s\n", res.Uploaded, target)
	}
	return nil
}

func cmdRestore(a *app, args []string) error {
	fs := newFlagSet(a, "restore")
	dst := fs.StringP("out", "o", "", "directory for restored files, default: --dir")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: restore [--out dir] <manifest>")
	}
	dir := *dst
	if dir == "" {
		dir = a.dir
	}
	m, err := archive.Restore(fs.Arg(0), dir)
	if err != nil {
		return err
	}
	for _, fd := range m.Files {
		a.printf("restored %s\n", filepath.Join(dir, fd.OriginalName))
	}
	return nil
}

func cmdSegments(a *app, args []string) error {
	fs := newFlagSet(a, "segments")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if a.deviceID == 0 {
		return errors.New("device is not set, use --device or a config file")
	}
	segs, err := devlog.ListSegments(a.dir, a.deviceID)
	if err != nil {
		return err
	}
	for _, s := range segs {
		dataPath, indexPath := devlog.SegmentPaths(a.dir, s)
		var size int64
		if st, err := os.Stat(dataPath); err == nil {
			size = st.Size()
		}
		entries := "no index"
		if e, err := devlog.ReadIndexFile(indexPath); err == nil {
			entries = fmt.Sprintf("%d packets", len(e))
		}
		a.printf("%s\t%d bytes\t%s\n", s, size, entries)
	}
	return nil
}
