package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oceanlog/telemlog/log"
	"github.com/oceanlog/telemlog/require"
)

func init() {
	log.Quiet = true
}

func runLogview(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(args, strings.NewReader(stdin), &out)
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runLogview(t, "", args...)
	require.NoError(t, err, "logview %s", strings.Join(args, " "))
	return out
}

func requireContains(t *testing.T, s string, sub string) {
	t.Helper()
	require.True(t, strings.Contains(s, sub), "%q doesn't contain %q", s, sub)
}

func TestParseTime(t *testing.T) {
	v, err := parseTime("", 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)

	v, err = parseTime("1500", 0)
	require.NoError(t, err)
	require.Equal(t, int64(1500), v)

	v, err = parseTime("1970-01-01T00:00:02Z", 0)
	require.NoError(t, err)
	require.Equal(t, int64(2000), v)

	_, err = parseTime("yesterday", 0)
	require.Error(t, err)
}

func TestHelpAndUnknownCommand(t *testing.T) {
	out := mustRun(t)
	requireContains(t, out, "commands:")
	requireContains(t, out, "segments")

	_, err := runLogview(t, "", "--dir", t.TempDir(), "frobnicate")
	require.Error(t, err)

	_, err = runLogview(t, "", "--dir", t.TempDir(), "stats")
	require.Error(t, err)
}

func TestAppendDumpStats(t *testing.T) {
	dir := t.TempDir()
	g := []string{"--dir", dir, "--device", "7"}
	out := mustRun(t, append(g, "append", "--time", "1000", "hello")...)
	requireContains(t, out, "appended packet 1 (sequence number 1)")
	mustRun(t, append(g, "append", "--time", "2000", "-m", "second")...)

	out = mustRun(t, append(g, "dump")...)
	requireContains(t, out, "hello")
	requireContains(t, out, "second")

	out = mustRun(t, append(g, "dump", "--json", "--start", "1500")...)
	requireContains(t, out, `"payload": "second"`)
	require.False(t, strings.Contains(out, "hello"))

	out = mustRun(t, append(g, "stats", "--kinds")...)
	requireContains(t, out, "packets: 2 (2 unread)")
	requireContains(t, out, "last sequence number: 2")
	requireContains(t, out, "message: 2")

	out = mustRun(t, append(g, "dump", "--unread", "-n", "1")...)
	requireContains(t, out, "hello")
	out = mustRun(t, append(g, "stats")...)
	requireContains(t, out, "packets: 2 (1 unread)")

	out = mustRun(t, append(g, "segments")...)
	requireContains(t, out, "2 packets")

	out = mustRun(t, append(g, "check")...)
	requireContains(t, out, "ok\n")
}

func TestQuery(t *testing.T) {
	dir := t.TempDir()
	g := []string{"--dir", dir, "--device", "7"}
	for _, tm := range []string{"1000", "2000", "3000"} {
		mustRun(t, append(g, "append", "--time", tm, "msg"+tm)...)
	}

	// a group of packets over max is completed by the next one
	out := mustRun(t, append(g, "query", "--max", "1")...)
	requireContains(t, out, "# 2 packets, complete: false")

	out = mustRun(t, append(g, "query", "--max", "1", "--all")...)
	requireContains(t, out, "# 3 packets, complete: true")
	requireContains(t, out, "msg3000")

	out = mustRun(t, append(g, "query", "--filter", "types=message", "--stale")...)
	requireContains(t, out, "# 3 packets, complete: true")
	_, err := runLogview(t, "", append(g, "query", "--filter", "types=sensor")...)
	require.Error(t, err)

	out = mustRun(t, append(g, "query", "--start", "2000", "--end", "2000")...)
	requireContains(t, out, "msg2000")
	requireContains(t, out, "# 1 packets, complete: true")
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	src := []string{"--dir", dir, "--device", "7"}
	mustRun(t, append(src, "append", "--time", "1000", "one")...)
	mustRun(t, append(src, "append", "--time", "2000", "two")...)

	exported := filepath.Join(t.TempDir(), "7.siser.zst")
	mustRun(t, append(src, "export", "-o", exported)...)
	st, err := os.Stat(exported)
	require.NoError(t, err)
	require.True(t, st.Size() > 0)

	dst := []string{"--dir", dir, "--device", "8"}
	out := mustRun(t, append(dst, "import", "-i", exported)...)
	requireContains(t, out, "imported 2 packets")

	out = mustRun(t, append(dst, "dump", "--json")...)
	requireContains(t, out, `"payload": "two"`)
	// imported as is, source is the original device
	requireContains(t, out, `"source": 7`)
	out = mustRun(t, append(dst, "stats")...)
	requireContains(t, out, "last sequence number: 2")

	// export to stdout and import from stdin
	var buf bytes.Buffer
	require.NoError(t, run(append(src, "export"), strings.NewReader(""), &buf))
	out, err = runLogview(t, buf.String(), "--dir", dir, "--device", "9", "import", "--renumber")
	require.NoError(t, err)
	requireContains(t, out, "imported 2 packets")
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "logview.yaml")
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"devices:\n  - id: 12\n    segment: 3\n" +
		"archive:\n  staging_dir: " + filepath.Join(dir, "staging") + "\n  compression: gzip\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	mustRun(t, "-c", cfgPath, "append", "--time", "1000", "configured")
	_, err := os.Stat(filepath.Join(dir, "data", "12_3.dat"))
	require.NoError(t, err)

	out := mustRun(t, "-c", cfgPath, "archive", "--no-upload")
	requireContains(t, out, "12_3.dat.gz")
	manifest := filepath.Join(dir, "staging", "12_3.manifest.json")
	requireContains(t, out, manifest)

	restored := filepath.Join(dir, "restored")
	out = mustRun(t, "-c", cfgPath, "restore", "-o", restored, manifest)
	requireContains(t, out, "12_3.dat")
	out = mustRun(t, "--dir", restored, "--device", "12", "--segment", "3", "dump")
	requireContains(t, out, "configured")
}

func TestShell(t *testing.T) {
	dir := t.TempDir()
	in := "append --time 5000 'two words'\nstats\nbogus\nshell\nquit\nstats\n"
	out, err := runLogview(t, in, "--dir", dir, "--device", "7", "shell")
	require.NoError(t, err)
	requireContains(t, out, "appended packet 1")
	requireContains(t, out, "packets: 1 (1 unread)")
	requireContains(t, out, "error: unknown command 'bogus'")
	requireContains(t, out, "error: already in shell")
	require.Equal(t, 1, strings.Count(out, "packets: 1"))
}
