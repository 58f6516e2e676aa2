package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"smartquery/internal/helper"
	"smartquery/internal/models"
)

const (
	magic   = "SQVX"
	version = 2
)

// Hit is one search result: a row of the index and its L2 distance to the
// query.
type Hit struct {
	Row      int
	Distance float32
}

// Searcher is implemented by every vector backend. Hits are sorted by
// ascending distance, ties in row order, and at most k are returned.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	Len() int
}

// Flat is an exact L2 index over a fixed-dimension set of vectors. Row i is
// the i-th vector added.
type Flat struct {
	dim        int
	identity   string
	buildID    string
	// sha256 of the metadata file written alongside, hex encoded
	metaDigest string
	vecs       [][]float32
}

// NewFlat creates an empty index. identity names the embedding model that
// produced the vectors and buildID tags the build that wrote it.
func NewFlat(dim int, identity, buildID string) *Flat {
	return &Flat{dim: dim, identity: identity, buildID: buildID}
}

func (f *Flat) Dim() int { return f.dim }
func (f *Flat) Len() int { return len(f.vecs) }
func (f *Flat) Identity() string { return f.identity }
func (f *Flat) BuildID() string { return f.buildID }
func (f *Flat) Vector(row int) []float32 { return f.vecs[row] }
func (f *Flat) MetadataDigest() string { return f.metaDigest }

// Add appends vectors as new rows.
func (f *Flat) Add(vectors ...[]float32) error {
	for _, v := range vectors {
		if len(v) != f.dim {
			return fmt.Errorf("%w: vector dimension %d, index dimension %d", models.ErrArtifactMismatch, len(v), f.dim)
		}
		row := make([]float32, f.dim)
		copy(row, v)
		f.vecs = append(f.vecs, row)
	}
	return nil
}

// Search returns the k nearest rows. k larger than the index returns every
// row; k <= 0 returns nothing.
func (f *Flat) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), f.dim)
	}
	if k <= 0 || len(f.vecs) == 0 {
		return nil, nil
	}

	hits := make([]Hit, len(f.vecs))
	for row, v := range f.vecs {
		if row%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		hits[row] = Hit{Row: row, Distance: L2Distance(query, v)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

// L2Distance is the Euclidean distance between equal length vectors.
func L2Distance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// MarshalBinary encodes the index as
// magic | version | dim | rows | identity | build id | metadata digest |
// rows*dim float32, little endian, strings prefixed by a uint32 length.
func (f *Flat) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (f *Flat) encode(w io.Writer) error {
	out := make([]byte, 0, 4+16+len(f.identity)+len(f.buildID)+4+len(f.metaDigest)+8+4*f.dim*len(f.vecs))
	putU32 := func(v uint32) { out = binary.LittleEndian.AppendUint32(out, v) }
	putStr := func(s string) {
		putU32(uint32(len(s)))
		out = append(out, s...)
	}

	out = append(out, magic...)
	putU32(version)
	putU32(uint32(f.dim))
	putU32(uint32(len(f.vecs)))
	putStr(f.identity)
	putStr(f.buildID)
	putStr(f.metaDigest)
	for _, v := range f.vecs {
		for _, x := range v {
			putU32(math.Float32bits(x))
		}
	}
	_, err := w.Write(out)
	return err
}

func (f *Flat) UnmarshalBinary(data []byte) error {
	r := &reader{data: data}

	if string(r.bytes(len(magic))) != magic {
		return fmt.Errorf("%w: not a vector index file", models.ErrArtifactMismatch)
	}
	if v := r.u32(); r.err == nil && v != version {
		return fmt.Errorf("%w: unsupported index version %d", models.ErrArtifactMismatch, v)
	}
	dim64 := uint64(r.u32())
	rows64 := uint64(r.u32())
	identity := r.str()
	buildID := r.str()
	metaDigest := r.str()
	if r.err != nil {
		return fmt.Errorf("%w: truncated header", models.ErrArtifactMismatch)
	}
	if rows64 > 0 && dim64 == 0 {
		return fmt.Errorf("%w: %d rows of dimension 0", models.ErrArtifactMismatch, rows64)
	}
	// Bound rows by the body before multiplying; rows*dim*4 can exceed 2^64.
	body := uint64(len(data) - r.off)
	if dim64 > 0 && rows64 > body/(dim64*4) {
		return fmt.Errorf("%w: header claims %d rows of dimension %d, body is %d bytes", models.ErrArtifactMismatch, rows64, dim64, body)
	}
	if want := rows64 * dim64 * 4; body != want {
		return fmt.Errorf("%w: index body is %d bytes, want %d", models.ErrArtifactMismatch, body, want)
	}
	dim, rows := int(dim64), int(rows64)

	vecs := make([][]float32, rows)
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(r.u32())
		}
		vecs[i] = v
	}

	*f = Flat{dim: dim, identity: identity, buildID: buildID, metaDigest: metaDigest, vecs: vecs}
	return nil
}

// Save writes the index atomically.
func (f *Flat) Save(path string) error {
	if err := helper.WriteFileAtomic(path, f.encode); err != nil {
		return fmt.Errorf("save index %s: %w", path, err)
	}
	return nil
}

// LoadFlat reads an index written by Save.
func LoadFlat(path string) (*Flat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", models.ErrMissingArtifact, path)
		}
		return nil, fmt.Errorf("read index %s: %w", path, err)
	}
	f := &Flat{}
	if err := f.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("load index %s: %w", path, err)
	}
	return f, nil
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.data) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) str() string {
	return string(r.bytes(int(r.u32())))
}
