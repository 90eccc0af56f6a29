// determinant.go --  This file is part of goHF project.
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
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// MaxOrbitals is the largest number of spatial orbitals a Det can hold.
const MaxOrbitals = 64

type Spin int

const (
	Alpha Spin = iota
	Beta
)

func (s Spin) String() string {
	if s == Alpha {
		return "alpha"
	}
	return "beta"
}

// Det is a Slater determinant. The logical bit pattern has the alpha string
// in bits [0, norb) and the beta string in bits [norb, 2*norb); Beta holds
// the high half.
type Det struct {
	Alpha, Beta uint64
}

func NewDet(alpha, beta uint64) Det { return Det{Alpha: alpha, Beta: beta} }

// CanonicalHF fills the lowest nalpha alpha and nbeta beta orbitals.
func CanonicalHF(nalpha, nbeta int) Det {
	return Det{Alpha: lowMask(nalpha), Beta: lowMask(nbeta)}
}

func lowMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}

func (d Det) Word(s Spin) uint64 {
	if s == Alpha {
		return d.Alpha
	}
	return d.Beta
}

func (d Det) Xor(o Det) Det { return Det{d.Alpha ^ o.Alpha, d.Beta ^ o.Beta} }
func (d Det) And(o Det) Det { return Det{d.Alpha & o.Alpha, d.Beta & o.Beta} }

func (d Det) IsZero() bool { return d.Alpha == 0 && d.Beta == 0 }

func (d Det) Count() int {
	return bits.OnesCount64(d.Alpha) + bits.OnesCount64(d.Beta)
}

func (d Det) CountSpin(s Spin) int { return bits.OnesCount64(d.Word(s)) }

// Less orders determinants by their raw bit pattern (beta half is the
// most significant).
func (d Det) Less(o Det) bool {
	if d.Beta != o.Beta {
		return d.Beta < o.Beta
	}
	return d.Alpha < o.Alpha
}

func CompareDets(a, b Det) int {
	switch {
	case a == b:
		return 0
	case a.Less(b):
		return -1
	}
	return 1
}

// ExcitationDegree is half the Hamming distance between bra and ket.
func ExcitationDegree(bra, ket Det) int {
	return bra.Xor(ket).Count() / 2
}

// Occupied returns the occupied orbitals of one spin string.
func (d Det) Occupied(s Spin) []int {
	return d.OccupiedInto(s, nil)
}

// OccupiedInto appends the occupied orbitals of one spin string to buf[:0].
func (d Det) OccupiedInto(s Spin, buf []int) []int {
	buf = buf[:0]
	w := d.Word(s)
	for w != 0 {
		p := bits.TrailingZeros64(w)
		buf = append(buf, p)
		w &= w - 1
	}
	return buf
}

// FirstOccupied is the lowest set bit of d & mask folded into a spatial
// orbital index. Alpha bits come first in the logical pattern. Returns -1
// when the intersection is empty.
func (d Det) FirstOccupied(mask Det) int {
	if w := d.Alpha & mask.Alpha; w != 0 {
		return bits.TrailingZeros64(w)
	}
	if w := d.Beta & mask.Beta; w != 0 {
		return bits.TrailingZeros64(w)
	}
	return -1
}

// SingleExcitationSign is the parity of the occupied orbitals of spin s
// strictly between p and q.
func (d Det) SingleExcitationSign(s Spin, p, q int) float64 {
	return singleExSign(d.Word(s), p, q)
}

func singleExSign(w uint64, p, q int) float64 {
	if p > q {
		p, q = q, p
	}
	if q-p < 2 {
		return 1
	}
	mask := lowMask(q) ^ lowMask(p+1)
	if bits.OnesCount64(w&mask)%2 == 1 {
		return -1
	}
	return 1
}

// Flip toggles orbital p of spin s.
func (d Det) Flip(s Spin, p int) Det {
	if s == Alpha {
		d.Alpha ^= uint64(1) << uint(p)
	} else {
		d.Beta ^= uint64(1) << uint(p)
	}
	return d
}

// Excite moves an electron of spin s from orbital "from" to orbital "to".
func (d Det) Excite(s Spin, from, to int) Det {
	return d.Flip(s, from).Flip(s, to)
}

func (d Det) Has(s Spin, p int) bool {
	return d.Word(s)&(uint64(1)<<uint(p)) != 0
}

// Format prints the determinant as occupation strings, alpha then beta,
// orbital 0 first.
func (d Det) Format(norb int) string {
	b := make([]byte, 0, 2*norb+1)
	for _, s := range []Spin{Alpha, Beta} {
		for p := 0; p < norb; p++ {
			if d.Has(s, p) {
				b = append(b, '1')
			} else {
				b = append(b, '0')
			}
		}
		if s == Alpha {
			b = append(b, '|')
		}
	}
	return string(b)
}

func (d Det) String() string {
	return fmt.Sprintf("{%#x %#x}", d.Alpha, d.Beta)
}

// Validate checks that d is a physical state of the given electron counts.
func (d Det) Validate(norb, nalpha, nbeta int) error {
	full := lowMask(norb)
	if d.Alpha&^full != 0 || d.Beta&^full != 0 {
		return errors.Wrapf(ErrInvalidArgument, "determinant %s has orbitals beyond norb=%d", d, norb)
	}
	if d.CountSpin(Alpha) != nalpha || d.CountSpin(Beta) != nbeta {
		return errors.Wrapf(ErrInvalidArgument, "determinant %s has %d/%d electrons, expected %d/%d",
			d, d.CountSpin(Alpha), d.CountSpin(Beta), nalpha, nbeta)
	}
	return nil
}

// Combinations returns every norb-bit string with nset bits, in increasing
// order.
func Combinations(norb, nset int) []uint64 {
	if nset == 0 {
		return []uint64{0}
	}
	if nset > norb {
		return nil
	}
	var res []uint64
	limit := lowMask(norb)
	for w := lowMask(nset); ; {
		res = append(res, w)
		if w == limit&^lowMask(norb-nset) {
			break
		}
		// next permutation of bits (Gosper)
		c := w & -w
		r := w + c
		w = (((r ^ w) >> 2) / c) | r
	}
	return res
}

// HilbertSpace enumerates all determinants with nalpha/nbeta electrons in
// norb orbitals, sorted.
func HilbertSpace(norb, nalpha, nbeta int) []Det {
	as := Combinations(norb, nalpha)
	bs := Combinations(norb, nbeta)
	res := make([]Det, 0, len(as)*len(bs))
	for _, b := range bs {
		for _, a := range as {
			res = append(res, Det{Alpha: a, Beta: b})
		}
	}
	return res
}

func SortDets(dets []Det) {
	slices.SortFunc(dets, CompareDets)
}

// UniqueDets sorts and removes repeated bit patterns in place.
func UniqueDets(dets []Det) []Det {
	SortDets(dets)
	return slices.Compact(dets)
}

// spinSingles appends every single excitation of one spin string.
func spinSingles(norb int, w uint64, out []uint64) []uint64 {
	full := lowMask(norb)
	for occ := w; occ != 0; occ &= occ - 1 {
		i := uint64(1) << uint(bits.TrailingZeros64(occ))
		for vir := full &^ w; vir != 0; vir &= vir - 1 {
			a := uint64(1) << uint(bits.TrailingZeros64(vir))
			out = append(out, w^i^a)
		}
	}
	return out
}

// spinDoubles appends every same-spin double excitation of one string.
func spinDoubles(norb int, w uint64, out []uint64) []uint64 {
	full := lowMask(norb)
	occ := make([]uint64, 0, bits.OnesCount64(w))
	vir := make([]uint64, 0, norb)
	for o := w; o != 0; o &= o - 1 {
		occ = append(occ, uint64(1)<<uint(bits.TrailingZeros64(o)))
	}
	for v := full &^ w; v != 0; v &= v - 1 {
		vir = append(vir, uint64(1)<<uint(bits.TrailingZeros64(v)))
	}
	for i := 0; i < len(occ); i++ {
		for j := i + 1; j < len(occ); j++ {
			for a := 0; a < len(vir); a++ {
				for b := a + 1; b < len(vir); b++ {
					out = append(out, w^occ[i]^occ[j]^vir[a]^vir[b])
				}
			}
		}
	}
	return out
}

// SinglesDoubles returns every determinant reachable from d by one single or
// double excitation. The reference itself is not included.
func SinglesDoubles(norb int, d Det) []Det {
	sa := spinSingles(norb, d.Alpha, nil)
	sb := spinSingles(norb, d.Beta, nil)
	da := spinDoubles(norb, d.Alpha, nil)
	db := spinDoubles(norb, d.Beta, nil)
	res := make([]Det, 0, len(sa)+len(sb)+len(da)+len(db)+len(sa)*len(sb))
	for _, a := range sa {
		res = append(res, Det{a, d.Beta})
	}
	for _, b := range sb {
		res = append(res, Det{d.Alpha, b})
	}
	for _, a := range da {
		res = append(res, Det{a, d.Beta})
	}
	for _, b := range db {
		res = append(res, Det{d.Alpha, b})
	}
	for _, a := range sa {
		for _, b := range sb {
			res = append(res, Det{a, b})
		}
	}
	return res
}
