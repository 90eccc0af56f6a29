// common_test.go --  This file is part of goHF project.
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
	"math/bits"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// randomSystem returns a system with random symmetric integrals.
func randomSystem(norb, nalpha, nbeta int, seed int64) *System {
	rnd := rand.New(rand.NewSource(seed))
	n := norb
	sys := &System{
		Name:   "random",
		Norb:   n,
		NAlpha: nalpha,
		NBeta:  nbeta,
		ECore:  rnd.Float64(),
		T:      make([]float64, n*n),
		V:      make([]float64, n*n*n*n),
	}
	for p := 0; p < n; p++ {
		sys.T[p*n+p] = -2 + 0.5*float64(p) + 0.1*rnd.Float64()
		for q := 0; q < p; q++ {
			t := 0.2 * (rnd.Float64() - 0.5)
			sys.T[p*n+q] = t
			sys.T[q*n+p] = t
		}
	}
	for p := 0; p < n; p++ {
		for q := 0; q <= p; q++ {
			for r := 0; r < n; r++ {
				for s := 0; s <= r; s++ {
					if r*(r+1)/2+s > p*(p+1)/2+q {
						continue
					}
					v := 0.1 * (rnd.Float64() - 0.5)
					if p == q && r == s {
						v += 0.5
					}
					setV(sys.V, n, p, q, r, s, v)
				}
			}
		}
	}
	return sys
}

func mustGenerator(t testing.TB, sys *System) *Generator {
	t.Helper()
	ints, err := sys.Integrals(0)
	if err != nil {
		t.Fatal(err)
	}
	return NewGenerator(ints)
}

// spin-orbital helpers of the second-quantized reference: alpha orbital p
// is spin orbital p, beta orbital p is p+norb.

func soState(d Det, norb int) uint64 { return d.Alpha | d.Beta<<uint(norb) }

func annihilate(state uint64, i int) (uint64, float64, bool) {
	bit := uint64(1) << uint(i)
	if state&bit == 0 {
		return 0, 0, false
	}
	sign := 1.0
	if bits.OnesCount64(state&(bit-1))%2 == 1 {
		sign = -1
	}
	return state &^ bit, sign, true
}

func create(state uint64, i int) (uint64, float64, bool) {
	bit := uint64(1) << uint(i)
	if state&bit != 0 {
		return 0, 0, false
	}
	sign := 1.0
	if bits.OnesCount64(state&(bit-1))%2 == 1 {
		sign = -1
	}
	return state | bit, sign, true
}

// referenceElement evaluates <bra|H|ket> by applying the second-quantized
// Hamiltonian term by term.
func referenceElement(ints *Integrals, bra, ket Det) float64 {
	n := ints.Norb
	b := soState(bra, n)
	k := soState(ket, n)
	h := 0.0
	for _, sp := range []int{0, n} {
		for p := 0; p < n; p++ {
			for q := 0; q < n; q++ {
				s1, f1, ok := annihilate(k, q+sp)
				if !ok {
					continue
				}
				s2, f2, ok := create(s1, p+sp)
				if ok && s2 == b {
					h += f1 * f2 * ints.T1(p, q)
				}
			}
		}
	}
	for _, sig := range []int{0, n} {
		for _, tau := range []int{0, n} {
			for p := 0; p < n; p++ {
				for q := 0; q < n; q++ {
					for r := 0; r < n; r++ {
						for s := 0; s < n; s++ {
							v := ints.V2(p, q, r, s)
							if v == 0 {
								continue
							}
							st, f1, ok := annihilate(k, q+sig)
							if !ok {
								continue
							}
							st, f2, ok := annihilate(st, s+tau)
							if !ok {
								continue
							}
							st, f3, ok := create(st, r+tau)
							if !ok {
								continue
							}
							st, f4, ok := create(st, p+sig)
							if ok && st == b {
								h += 0.5 * f1 * f2 * f3 * f4 * v
							}
						}
					}
				}
			}
		}
	}
	return h
}

// denseGround diagonalizes H over dets exactly.
func denseGround(t testing.TB, gen *Generator, dets []Det) (float64, []float64) {
	t.Helper()
	n := len(dets)
	H := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			H.SetSym(i, j, gen.MatrixElement(dets[i], dets[j]))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(H, true) {
		t.Fatal("dense eigendecomposition failed")
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	return eig.Values(nil)[0], mat.Col(nil, 0, &vecs)
}

// runWorld runs fn on a fresh group of size ranks.
func runWorld(t testing.TB, size int, fn func(ctx context.Context, comm Comm) error) {
	t.Helper()
	w, err := NewLocalWorld(size)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(context.Background(), fn); err != nil {
		t.Fatal(err)
	}
}

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Abs(b))
}
