// csr_test.go --  This file is part of goHF project.
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
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestBuildCSRBlockMatchesDense(t *testing.T) {
	t.Parallel()
	gen := mustGenerator(t, randomSystem(5, 2, 2, 17))
	dets := HilbertSpace(5, 2, 2)
	bra, ket := dets[:37], dets[20:]
	for _, workers := range []int{1, 3} {
		A, err := BuildCSRBlock(context.Background(), gen, bra, ket, 0, workers)
		if err != nil {
			t.Fatal(err)
		}
		if m, n := A.Dims(); m != len(bra) || n != len(ket) {
			t.Fatalf("block is %dx%d", m, n)
		}
		raw := A.RawMatrix()
		D := A.ToDense()
		for i := range bra {
			for j := range ket {
				if want := gen.MatrixElement(bra[i], ket[j]); D.At(i, j) != want {
					t.Fatalf("workers=%d: H[%d,%d] = %v, want %v", workers, i, j, D.At(i, j), want)
				}
			}
			for k := raw.Indptr[i] + 1; k < raw.Indptr[i+1]; k++ {
				if raw.Ind[k] <= raw.Ind[k-1] {
					t.Fatalf("row %d columns not increasing", i)
				}
			}
		}
	}
}

func TestBuildCSRBlockThreshold(t *testing.T) {
	t.Parallel()
	gen := mustGenerator(t, randomSystem(4, 2, 1, 8))
	dets := HilbertSpace(4, 2, 1)
	const thresh = 0.05
	A, err := BuildCSRBlock(context.Background(), gen, dets, dets, thresh, 2)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range A.RawMatrix().Data {
		if math.Abs(v) <= thresh {
			t.Fatalf("stored element %v below threshold", v)
		}
	}
	if _, err := BuildCSRBlock(context.Background(), gen, dets, dets, -1, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative threshold accepted: %v", err)
	}
}

func TestCSRMulVecAdd(t *testing.T) {
	t.Parallel()
	gen := mustGenerator(t, randomSystem(4, 2, 2, 19))
	dets := HilbertSpace(4, 2, 2)
	bra, ket := dets[:11], dets[5:]
	A, err := BuildCSRBlock(context.Background(), gen, bra, ket, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	rnd := rand.New(rand.NewSource(3))
	x := make([]float64, len(ket))
	for i := range x {
		x[i] = rnd.Float64() - 0.5
	}
	y := make([]float64, len(bra))
	for i := range y {
		y[i] = 1
	}
	A.MulVecAdd(x, y)
	var want mat.VecDense
	want.MulVec(A.ToDense(), mat.NewVecDense(len(x), x))
	for i := range y {
		if math.Abs(y[i]-(1+want.AtVec(i))) > 1e-12 {
			t.Fatalf("y[%d] = %v, want %v", i, y[i], 1+want.AtVec(i))
		}
	}
}

func TestHartreeFockBlock(t *testing.T) {
	t.Parallel()
	sys := randomSystem(6, 3, 2, 4)
	gen := mustGenerator(t, sys)
	hf := []Det{CanonicalHF(3, 2)}
	A, err := BuildCSRBlock(context.Background(), gen, hf, hf, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if A.NNZ() != 1 {
		t.Fatalf("1x1 block with %d elements", A.NNZ())
	}
	if got, want := A.At(0, 0)+sys.ECore, HFEnergy(gen, 3, 2); math.Abs(got-want) > 1e-12 {
		t.Errorf("HF element %v, want %v", got, want)
	}
}

func TestBuildCSRCancelled(t *testing.T) {
	t.Parallel()
	gen := mustGenerator(t, randomSystem(4, 2, 2, 6))
	dets := HilbertSpace(4, 2, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := BuildCSRBlock(ctx, gen, dets, dets, 0, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}

func TestDistHamiltonianApply(t *testing.T) {
	t.Parallel()
	gen := mustGenerator(t, randomSystem(5, 2, 2, 29))
	dets := HilbertSpace(5, 2, 2)
	n := len(dets)
	rnd := rand.New(rand.NewSource(1))
	x := make([]float64, n)
	for i := range x {
		x[i] = rnd.Float64() - 0.5
	}
	want := make([]float64, n)
	full, err := BuildCSRBlock(context.Background(), gen, dets, dets, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	full.MulVecAdd(x, want)

	for _, size := range []int{1, 2, 3, 7} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			t.Parallel()
			got := make([]float64, n)
			nnz := make([]int, size)
			runWorld(t, size, func(ctx context.Context, comm Comm) error {
				H, err := BuildDistHamiltonian(ctx, comm, gen, dets, 0, 2)
				if err != nil {
					return err
				}
				y := make([]float64, H.LocalRows())
				if err := H.Apply(x[H.RowStart:H.RowEnd], y); err != nil {
					return err
				}
				copy(got[H.RowStart:], y)
				nnz[comm.Rank()] = H.NNZ()
				for i, d := range H.Diagonal() {
					if h := gen.DiagonalOf(dets[H.RowStart+i]); h != d {
						return fmt.Errorf("rank %d: diagonal %d is %v, want %v", comm.Rank(), i, d, h)
					}
				}
				return nil
			})
			total := 0
			for _, k := range nnz {
				total += k
			}
			if total != full.NNZ() {
				t.Errorf("%d elements over all ranks, want %d", total, full.NNZ())
			}
			for i := range want {
				if math.Abs(got[i]-want[i]) > 1e-12 {
					t.Fatalf("row %d: %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}
