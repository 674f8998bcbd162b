package cache

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache"), time.Hour, 1024)
	require.NoError(t, err)
	return s
}

func writeEntry(t *testing.T, s *Store, channel, segment string, size int) string {
	t.Helper()
	w, err := s.Create(channel, segment)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{0x47}, size))
	require.NoError(t, err)
	require.NoError(t, w.Commit())
	return s.Path(channel, segment)
}

func TestPathLayout(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, filepath.Join(s.Dir(), "news.stream"), s.Path("news", ""))
	assert.Equal(t, filepath.Join(s.Dir(), "news_seg1.ts.ts"), s.Path("news", "seg1.ts"))
	assert.Equal(t, filepath.Join(s.Dir(), "etc_passwd.stream"), s.Path("../etc/passwd", ""))

	id := SegmentID("http://h/low/seg1.ts")
	assert.Equal(t, filepath.Join(s.Dir(), "news_"+id+".ts"), s.Path("news", id))
}

func TestSegmentID(t *testing.T) {
	a := SegmentID("http://h/low/seg1.ts?token=x")
	b := SegmentID("http://h/high/seg1.ts")
	assert.True(t, strings.HasSuffix(a, "-seg1.ts"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, SegmentID("http://h/low/seg1.ts"))
	assert.True(t, strings.HasSuffix(SegmentID("http://h/dir/"), "-index"))
}

func hit(s *Store, channel, segment string) bool {
	f, _, err := s.Open(channel, segment)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func TestOpenRequiresMinimumSize(t *testing.T) {
	s := newTestStore(t)
	writeEntry(t, s, "x", "small.ts", 1023)
	writeEntry(t, s, "x", "big.ts", 1024)

	assert.False(t, hit(s, "x", "small.ts"))
	assert.True(t, hit(s, "x", "big.ts"))
	assert.False(t, hit(s, "x", "missing.ts"))
}

func TestOpenRejectsExpired(t *testing.T) {
	s := newTestStore(t)
	p := writeEntry(t, s, "x", "", 4096)
	assert.True(t, hit(s, "x", ""))

	old := time.Now().Add(-61 * time.Minute)
	require.NoError(t, os.Chtimes(p, old, old))

	_, _, err := s.Open("x", "")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestOpenValidEntry(t *testing.T) {
	s := newTestStore(t)
	writeEntry(t, s, "x", "seg.ts", 2048)

	f, size, err := s.Open("x", "seg.ts")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(2048), size)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Len(t, data, 2048)
}

func TestWriterIsInvisibleUntilCommit(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create("x", "")
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{1}, 4096))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), w.Written())

	assert.False(t, hit(s, "x", ""))
	require.NoError(t, w.Commit())
	assert.True(t, hit(s, "x", ""))

	w.Abort() // no-op after commit
	assert.True(t, hit(s, "x", ""))
	_, err = w.Write([]byte{1})
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestAbortLeavesNoEntryOrPartial(t *testing.T) {
	s := newTestStore(t)
	w, err := s.Create("x", "")
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte{1}, 8192))
	require.NoError(t, err)
	w.Abort()

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = w.Write([]byte{1})
	assert.Error(t, err)
}

func TestAbortKeepsPreviousEntry(t *testing.T) {
	s := newTestStore(t)
	writeEntry(t, s, "x", "", 2048)

	w, err := s.Create("x", "")
	require.NoError(t, err)
	_, err = w.Write([]byte("truncated"))
	require.NoError(t, err)
	w.Abort()

	f, size, err := s.Open("x", "")
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, int64(2048), size)
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	s := newTestStore(t)
	fresh := writeEntry(t, s, "a", "", 2048)
	stale := writeEntry(t, s, "b", "seg.ts", 2048)
	other := filepath.Join(s.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte("keep"), 0o644))

	w, err := s.Create("c", "")
	require.NoError(t, err)
	partial := w.f.Name()

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(partial, old, old))
	require.NoError(t, os.Chtimes(other, old, old))

	n, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.FileExists(t, fresh)
	assert.FileExists(t, other)
	assert.NoFileExists(t, stale)
	assert.NoFileExists(t, partial)

	files, size := s.Usage()
	assert.Equal(t, 1, files)
	assert.Equal(t, int64(2048), size)
	w.Abort()
}

func TestSweeperStartStop(t *testing.T) {
	s := newTestStore(t)
	stale := writeEntry(t, s, "b", "", 2048)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	sw := NewSweeper(s, 10*time.Millisecond)
	sw.Start()
	assert.Eventually(t, func() bool {
		_, err := os.Stat(stale)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
	sw.Stop()
	sw.Stop()
}
