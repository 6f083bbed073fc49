package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	logx "puddlejobs/pkg/logx"
)

const testManifest = `name: report
entries:
  - name: base
    kind: job
    abstract: true
    command: ./base.sh
  - name: nightly
    kind: job
    command: ./run.sh
    parameters:
      - name: P1
        type: text
        default: d
      - name: limit
        type: int32
        required: true
`

type zfile struct {
	name string
	body string
	mode os.FileMode
}

func buildZip(t *testing.T, files ...zfile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		h := &zip.FileHeader{Name: f.name, Method: zip.Deflate}
		mode := f.mode
		if mode == 0 {
			mode = 0o644
		}
		h.SetMode(mode)
		w, err := zw.CreateHeader(h)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func newStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "", logx.Nop())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	data := buildZip(t,
		zfile{name: DefaultManifest, body: testManifest},
		zfile{name: "run.sh", body: "#!/bin/sh\nexit 0\n", mode: 0o755},
		zfile{name: "lib/helper.txt", body: "x"},
	)

	loc, err := s.Save(context.Background(), "Nightly Report", "1.0.0", data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if loc != "nightly-report/1.0.0" {
		t.Fatalf("locator = %q", loc)
	}

	u, err := s.Load(context.Background(), loc, "nightly")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(u.Manifest.Entries) != 2 || u.Hint != "nightly" {
		t.Fatalf("unit = %+v", u)
	}
	st, err := os.Stat(filepath.Join(u.Dir, "run.sh"))
	if err != nil {
		t.Fatalf("stat run.sh: %v", err)
	}
	if st.Mode().Perm()&0o100 == 0 {
		t.Fatalf("executable bit lost: %v", st.Mode())
	}
	if _, err := os.Stat(filepath.Join(u.Dir, "lib", "helper.txt")); err != nil {
		t.Fatalf("nested file missing: %v", err)
	}

	if _, err := s.Save(context.Background(), "Nightly Report", "1.0.0", data); !errors.Is(err, ErrArtifactExists) {
		t.Fatalf("duplicate Save err = %v", err)
	}

	if err := s.Remove(context.Background(), loc); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Load(context.Background(), loc, ""); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("Load after Remove err = %v", err)
	}
}

func TestSaveRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		asm     string
		version string
		data    func(t *testing.T) []byte
		want    error
	}{
		{
			name: "not a zip", asm: "a", version: "1",
			data: func(*testing.T) []byte { return []byte("plain text") },
			want: ErrInvalidArchive,
		},
		{
			name: "zip slip", asm: "a", version: "1",
			data: func(t *testing.T) []byte {
				return buildZip(t, zfile{name: DefaultManifest, body: testManifest}, zfile{name: "../../evil", body: "x"})
			},
			want: ErrInvalidArchive,
		},
		{
			name: "missing manifest", asm: "a", version: "1",
			data: func(t *testing.T) []byte { return buildZip(t, zfile{name: "run.sh", body: "x"}) },
			want: ErrInvalidArchive,
		},
		{
			name: "bad manifest", asm: "a", version: "1",
			data: func(t *testing.T) []byte {
				return buildZip(t, zfile{name: DefaultManifest, body: "entries:\n  - name: x\n    colour: red\n"})
			},
			want: ErrInvalidManifest,
		},
		{
			name: "version with separator", asm: "a", version: "../1",
			data: func(t *testing.T) []byte { return buildZip(t, zfile{name: DefaultManifest, body: testManifest}) },
			want: ErrInvalidLocator,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newStore(t)
			_, err := s.Save(context.Background(), tc.asm, tc.version, tc.data(t))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			// Nothing may be left behind on failure.
			entries, _ := os.ReadDir(filepath.Join(s.BasePath(), "a"))
			if len(entries) != 0 {
				t.Fatalf("leftover entries: %v", entries)
			}
		})
	}
}

func TestLoadRejectsEscapingLocator(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	for _, loc := range []string{"", "../outside", "/etc", "."} {
		if _, err := s.Load(context.Background(), loc, ""); !errors.Is(err, ErrInvalidLocator) {
			t.Fatalf("Load(%q) err = %v, want ErrInvalidLocator", loc, err)
		}
	}
}

func TestEntryDefinitions(t *testing.T) {
	t.Parallel()

	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if m.Entries[0].IsJob() {
		t.Fatalf("abstract entry must not be a job")
	}
	if !m.Entries[1].IsJob() {
		t.Fatalf("concrete job entry not recognised")
	}
	defs := m.Entries[1].Definitions()
	if len(defs) != 2 || defs[0].Name != "P1" || defs[0].Default == nil || *defs[0].Default != "d" || !defs[1].Required {
		t.Fatalf("definitions = %+v", defs)
	}
}
