// csr.go --  This file is part of goHF project.
// Mirzaeva Irina, 2023
//
//	goHF is distributed in the hope that it will be useful,
//	but WITHOUT ANY WARRANTY; without even the implied warranty
//	of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//	See the GNU General Public License for more details.
//
//	You should have received a copy of the GNU General Public License
//	along with this program.  If not, see http://www.gnu.org/licenses/
//
// ------------------------------------------------
package main

import (
	"context"
	"math"
	"runtime"

	"github.com/james-bowman/sparse"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// CSR is a compressed sparse row block of the Hamiltonian.
type CSR struct {
	*sparse.CSR
}

func newCSR(m, n int, rowPtr, colInd []int, nzVal []float64) *CSR {
	return &CSR{sparse.NewCSR(m, n, rowPtr, colInd, nzVal)}
}

// MulVecAdd computes y += A*x.
func (A *CSR) MulVecAdd(x, y []float64) {
	A.MulVecTo(y, false, x)
}

// colSegment is a run of ket determinants whose column indices start at
// offset.
type colSegment struct {
	dets   []Det
	offset int
}

// BuildCSRBlock returns H(bra, ket) keeping only elements with
// |h| > thresh. Pairs beyond double excitations are never evaluated.
func BuildCSRBlock(ctx context.Context, gen *Generator, bra, ket []Det, thresh float64, workers int) (*CSR, error) {
	return buildCSR(ctx, gen, bra, []colSegment{{ket, 0}}, len(ket), thresh, workers)
}

func buildCSR(ctx context.Context, gen *Generator, bras []Det, segs []colSegment, ncols int, thresh float64, workers int) (*CSR, error) {
	if thresh < 0 || math.IsNaN(thresh) {
		return nil, invalidf("negative matrix element threshold %g", thresh)
	}
	if workers < 1 {
		workers = runtime.GOMAXPROCS(-1)
	}
	nbra := len(bras)
	colsByRow := make([][]int, nbra)
	valsByRow := make([][]float64, nbra)

	chunk := max(1, nbra/(8*workers))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < nbra; start += chunk {
		end := min(start+chunk, nbra)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			occA := make([]int, 0, gen.norb)
			occB := make([]int, 0, gen.norb)
			for i := start; i < end; i++ {
				bra := bras[i]
				if bra.IsZero() {
					continue
				}
				occA = bra.OccupiedInto(Alpha, occA)
				occB = bra.OccupiedInto(Beta, occB)
				var cols []int
				var vals []float64
				for _, seg := range segs {
					for j, ket := range seg.dets {
						ex := bra.Xor(ket)
						if ex.Count() > 4 {
							continue
						}
						h := gen.matrixElementOcc(bra, ket, ex, occA, occB)
						if math.Abs(h) > thresh {
							cols = append(cols, seg.offset+j)
							vals = append(vals, h)
						}
					}
				}
				colsByRow[i] = cols
				valsByRow[i] = vals
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "building Hamiltonian block")
	}

	// linearize the per-row lists
	rowPtr := make([]int, nbra+1)
	for i := range colsByRow {
		rowPtr[i+1] = rowPtr[i] + len(colsByRow[i])
	}
	nnz := rowPtr[nbra]
	colInd := make([]int, 0, nnz)
	nzVal := make([]float64, 0, nnz)
	for i := range colsByRow {
		colInd = append(colInd, colsByRow[i]...)
		nzVal = append(nzVal, valsByRow[i]...)
	}
	return newCSR(nbra, ncols, rowPtr, colInd, nzVal), nil
}

// DistCSR is the row block of the Hamiltonian owned by one rank, split into
// the tile of its own columns (local column indices) and the tile of all
// other columns (global column indices).
type DistCSR struct {
	Comm              Comm
	N                 int
	RowStart, RowEnd  int
	DiagTile, OffTile *CSR
	xfull             []float64
}

// BuildDistHamiltonian builds the local row block on every rank of comm.
// Integrals and dets are replicated, so no communication happens here.
func BuildDistHamiltonian(ctx context.Context, comm Comm, gen *Generator, dets []Det, thresh float64, workers int) (*DistCSR, error) {
	n := len(dets)
	start, end := RowRange(n, comm.Rank(), comm.Size())
	bras := dets[start:end]

	diag, err := buildCSR(ctx, gen, bras, []colSegment{{bras, 0}}, end-start, thresh, workers)
	if err != nil {
		return nil, err
	}
	H := &DistCSR{Comm: comm, N: n, RowStart: start, RowEnd: end, DiagTile: diag}
	if comm.Size() > 1 {
		segs := []colSegment{{dets[:start], 0}, {dets[end:], end}}
		H.OffTile, err = buildCSR(ctx, gen, bras, segs, n, thresh, workers)
		if err != nil {
			return nil, err
		}
		H.xfull = make([]float64, n)
	}
	return H, nil
}

func (H *DistCSR) LocalRows() int { return H.RowEnd - H.RowStart }

// Apply computes the local rows of H*x from the local part of x. It gathers
// x over the whole group, so every rank must call it.
func (H *DistCSR) Apply(x, y []float64) error {
	if len(x) != H.LocalRows() || len(y) != H.LocalRows() {
		panic(ErrShape)
	}
	for i := range y {
		y[i] = 0
	}
	H.DiagTile.MulVecAdd(x, y)
	if H.OffTile == nil {
		return nil
	}
	if err := H.Comm.Allgatherv(x, H.xfull); err != nil {
		return errors.Wrap(err, "gathering trial vector")
	}
	H.OffTile.MulVecAdd(H.xfull, y)
	return nil
}

// Diagonal returns the local part of diag(H).
func (H *DistCSR) Diagonal() []float64 {
	d := make([]float64, H.LocalRows())
	for i := range d {
		d[i] = H.DiagTile.At(i, i)
	}
	return d
}

// NNZ is the number of locally stored elements.
func (H *DistCSR) NNZ() int {
	n := H.DiagTile.NNZ()
	if H.OffTile != nil {
		n += H.OffTile.NNZ()
	}
	return n
}

// MemFootprint estimates the bytes held by the local tiles.
func (H *DistCSR) MemFootprint() int {
	rows := len(H.DiagTile.RawMatrix().Indptr)
	if H.OffTile != nil {
		rows += len(H.OffTile.RawMatrix().Indptr)
	}
	return 8*rows + 16*H.NNZ()
}
