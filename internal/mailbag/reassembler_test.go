package mailbag

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/postmare/internal/transport"
)

func stage(t *testing.T, dir string, hdr transport.FileHeader, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, hdr.FragmentName())
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func fileID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestReassemblerOutOfOrder(t *testing.T) {
	dir := t.TempDir()
	var gotName string
	var gotData []byte
	r, err := NewReassembler(dir, func(path, name string) error {
		gotName = name
		gotData, _ = os.ReadFile(path)
		return os.Remove(path)
	}, nil, quietLogger())
	require.NoError(t, err)

	parts := [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}
	id := fileID([]byte("alpha-beta-gamma"))
	for _, idx := range []int{0, 2, 1} {
		hdr := transport.FileHeader{FileID: id, Name: "greek.txt", Index: idx, Total: 3}
		require.NoError(t, r.ReceiveFragment(hdr, stage(t, dir, hdr, parts[idx])))
	}

	require.Equal(t, "greek.txt", gotName)
	require.Equal(t, "alpha-beta-gamma", string(gotData))
	require.Zero(t, r.Partial())

	entries, _ := os.ReadDir(dir)
	require.Empty(t, entries, "staging should be clean after completion")
}

func TestReassemblerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	done := make(map[string]string)
	onDone := func(path, name string) error {
		b, _ := os.ReadFile(path)
		done[name] = string(b)
		return os.Remove(path)
	}

	id := fileID([]byte("onetwothree"))
	parts := []string{"one", "two", "three"}

	first, err := NewReassembler(dir, onDone, nil, quietLogger())
	require.NoError(t, err)
	for idx := 0; idx < 2; idx++ {
		hdr := transport.FileHeader{FileID: id, Name: "n.log", Index: idx, Total: 3}
		require.NoError(t, first.ReceiveFragment(hdr, stage(t, dir, hdr, []byte(parts[idx]))))
	}
	// A partial write and an unacknowledged orphan left by a crash.
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".frag.2.part"), []byte("thr"), 0644))
	orphan := fileID([]byte("orphan"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, orphan+".frag.0"), []byte("orphan"), 0644))

	second, err := NewReassembler(dir, onDone, nil, quietLogger())
	require.NoError(t, err)
	require.NoError(t, second.Load())
	require.Equal(t, 1, second.Partial())
	_, err = os.Stat(filepath.Join(dir, orphan+".frag.0"))
	require.True(t, os.IsNotExist(err), "orphan fragment should be removed")

	hdr := transport.FileHeader{FileID: id, Name: "n.log", Index: 2, Total: 3}
	require.NoError(t, second.ReceiveFragment(hdr, stage(t, dir, hdr, []byte(parts[2]))))
	require.Equal(t, "onetwothree", done["n.log"])
}

func TestReassemblerRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	called := false
	r, err := NewReassembler(dir, func(string, string) error {
		called = true
		return nil
	}, nil, quietLogger())
	require.NoError(t, err)

	hdr := transport.FileHeader{FileID: fileID([]byte("expected")), Name: "x.log", Index: 0, Total: 1}
	err = r.ReceiveFragment(hdr, stage(t, dir, hdr, []byte("tampered")))
	require.ErrorIs(t, err, ErrHashMismatch)
	require.ErrorIs(t, err, transport.ErrRestart)
	require.False(t, called)
	require.Zero(t, r.Partial())
}

func TestReassemblerKeepsFragmentsWhenHandoffFails(t *testing.T) {
	dir := t.TempDir()
	fail := true
	var got string
	r, err := NewReassembler(dir, func(path, _ string) error {
		if fail {
			return os.ErrPermission
		}
		b, _ := os.ReadFile(path)
		got = string(b)
		return nil
	}, nil, quietLogger())
	require.NoError(t, err)

	data := []byte("payload")
	hdr := transport.FileHeader{FileID: fileID(data), Name: "p.log", Index: 0, Total: 1}
	require.Error(t, r.ReceiveFragment(hdr, stage(t, dir, hdr, data)))
	require.Equal(t, 1, r.Partial())

	// The sender retries the same fragment.
	fail = false
	require.NoError(t, r.ReceiveFragment(hdr, stage(t, dir, hdr, data)))
	require.Equal(t, "payload", got)
}

func TestReassemblerRejectsInconsistentTotal(t *testing.T) {
	dir := t.TempDir()
	r, err := NewReassembler(dir, func(string, string) error { return nil }, nil, quietLogger())
	require.NoError(t, err)

	id := fileID([]byte("whatever"))
	h1 := transport.FileHeader{FileID: id, Name: "w", Index: 0, Total: 3}
	require.NoError(t, r.ReceiveFragment(h1, stage(t, dir, h1, []byte("a"))))
	h2 := transport.FileHeader{FileID: id, Name: "w", Index: 1, Total: 4}
	require.ErrorIs(t, r.ReceiveFragment(h2, stage(t, dir, h2, []byte("b"))), transport.ErrRestart)
	require.Zero(t, r.Partial())
}

func TestReassemblerRequestsRestartForUnknownFile(t *testing.T) {
	dir := t.TempDir()
	r, err := NewReassembler(dir, func(string, string) error { return nil }, nil, quietLogger())
	require.NoError(t, err)

	hdr := transport.FileHeader{FileID: fileID([]byte("abc")), Name: "late.log", Index: 1, Total: 2}
	err = r.ReceiveFragment(hdr, stage(t, dir, hdr, []byte("c")))
	require.ErrorIs(t, err, transport.ErrRestart)
	require.Zero(t, r.Partial())

	entries, _ := os.ReadDir(dir)
	require.Empty(t, entries, "refused fragment should not stay in staging")
}

func TestReassemblerExpiresStalePartials(t *testing.T) {
	dir := t.TempDir()
	r, err := NewReassembler(dir, func(string, string) error { return nil }, nil, quietLogger())
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }

	id := fileID([]byte("abcd"))
	h0 := transport.FileHeader{FileID: id, Name: "stale.log", Index: 0, Total: 2}
	require.NoError(t, r.ReceiveFragment(h0, stage(t, dir, h0, []byte("ab"))))
	require.Zero(t, r.Expire(time.Hour))
	require.Equal(t, 1, r.Partial())

	now = now.Add(2 * time.Hour)
	require.Equal(t, 1, r.Expire(time.Hour))
	require.Zero(t, r.Partial())
	entries, _ := os.ReadDir(dir)
	require.Empty(t, entries)

	// The sender's next chunk is refused so it starts over.
	h1 := transport.FileHeader{FileID: id, Name: "stale.log", Index: 1, Total: 2}
	require.ErrorIs(t, r.ReceiveFragment(h1, stage(t, dir, h1, []byte("cd"))), transport.ErrRestart)
}

func TestReassemblerLoadDropsExpiredSidecars(t *testing.T) {
	dir := t.TempDir()
	first, err := NewReassembler(dir, func(string, string) error { return nil }, nil, quietLogger())
	require.NoError(t, err)

	id := fileID([]byte("abcd"))
	hdr := transport.FileHeader{FileID: id, Name: "old.log", Index: 0, Total: 2}
	require.NoError(t, first.ReceiveFragment(hdr, stage(t, dir, hdr, []byte("ab"))))

	old := time.Now().Add(-2 * DefaultPartialTTL)
	require.NoError(t, os.Chtimes(filepath.Join(dir, id+".meta"), old, old))

	second, err := NewReassembler(dir, func(string, string) error { return nil }, nil, quietLogger())
	require.NoError(t, err)
	require.NoError(t, second.Load())
	require.Zero(t, second.Partial())
	entries, _ := os.ReadDir(dir)
	require.Empty(t, entries)
}
