// davidson.go --  This file is part of goHF project.
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
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Operator applies the matrix to the local part of a distributed vector.
// Implementations perform whatever communication the product needs.
type Operator interface {
	Apply(x, y []float64) error
}

type DavidsonResult struct {
	Iterations int
	Eigenvalue float64
	Residual   float64
	Converged  bool
}

// minPrecondDenominator bounds |theta - D_i| in the diagonal preconditioner.
const minPrecondDenominator = 1e-8

func pdot(comm Comm, a, b []float64) (float64, error) {
	v := []float64{floats.Dot(a, b)}
	err := comm.AllreduceSum(v)
	return v[0], err
}

func pnorm(comm Comm, a []float64) (float64, error) {
	d, err := pdot(comm, a, a)
	return math.Sqrt(d), err
}

// orthogonalize removes the components of t along the orthonormal basis,
// two Gram-Schmidt passes, and returns the remaining norm.
func orthogonalize(comm Comm, basis [][]float64, t []float64) (float64, error) {
	k := len(basis)
	proj := make([]float64, k)
	for pass := 0; pass < 2; pass++ {
		for i, v := range basis {
			proj[i] = floats.Dot(v, t)
		}
		if err := comm.AllreduceSum(proj); err != nil {
			return 0, err
		}
		for i, v := range basis {
			floats.AddScaled(t, -proj[i], v)
		}
	}
	return pnorm(comm, t)
}

// Davidson finds the lowest eigenpair of the symmetric operator op. n is
// the number of local rows, diag the local diagonal used as
// preconditioner. x holds the guess and is overwritten with the unit-norm
// Ritz vector. Running out of iterations is not an error: the best
// estimate is returned with Converged false.
func Davidson(ctx context.Context, comm Comm, n, maxSub int, op Operator, diag []float64, tol float64, maxIter int, x []float64) (DavidsonResult, error) {
	var res DavidsonResult
	if len(diag) != n || len(x) != n {
		return res, invalidf("davidson: %d local rows, %d diagonal elements, %d guess elements", n, len(diag), len(x))
	}
	if maxSub < 2 {
		return res, invalidf("davidson: maximum subspace %d < 2", maxSub)
	}
	if tol < 0 || math.IsNaN(tol) {
		return res, invalidf("davidson: negative tolerance %g", tol)
	}
	if maxIter < 1 {
		return res, invalidf("davidson: %d iterations", maxIter)
	}

	nrm, err := pnorm(comm, x)
	if err != nil {
		return res, err
	}
	if nrm == 0 {
		return res, invalidf("davidson: zero guess vector")
	}

	V := make([][]float64, 0, maxSub)
	AV := make([][]float64, 0, maxSub)
	h := make([]float64, maxSub*maxSub)

	// extend appends the unit vector v and updates the projected matrix.
	extend := func(v []float64) error {
		w := make([]float64, n)
		if err := op.Apply(v, w); err != nil {
			return errors.Wrap(err, "davidson matrix-vector product")
		}
		V = append(V, v)
		AV = append(AV, w)
		k := len(V)
		col := make([]float64, k)
		for i := range V {
			col[i] = floats.Dot(V[i], w)
		}
		if err := comm.AllreduceSum(col); err != nil {
			return err
		}
		for i := range col {
			h[i*maxSub+k-1] = col[i]
			h[(k-1)*maxSub+i] = col[i]
		}
		return nil
	}

	v0 := make([]float64, n)
	floats.ScaleTo(v0, 1/nrm, x)
	if err := extend(v0); err != nil {
		return res, err
	}

	ritz := make([]float64, n)
	ar := make([]float64, n)
	r := make([]float64, n)
	var eig mat.EigenSym
	var vecs mat.Dense
	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		k := len(V)
		sub := mat.NewSymDense(k, nil)
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				sub.SetSym(i, j, h[i*maxSub+j])
			}
		}
		if ok := eig.Factorize(sub, true); !ok {
			return res, errors.New("davidson: projected eigendecomposition failed")
		}
		theta := eig.Values(nil)[0]
		vecs.Reset()
		eig.VectorsTo(&vecs)

		for i := range ritz {
			ritz[i], ar[i] = 0, 0
		}
		for i := 0; i < k; i++ {
			y := vecs.At(i, 0)
			floats.AddScaled(ritz, y, V[i])
			floats.AddScaled(ar, y, AV[i])
		}
		floats.AddScaledTo(r, ar, -theta, ritz)
		rnorm, err := pnorm(comm, r)
		if err != nil {
			return res, err
		}

		res = DavidsonResult{Iterations: iter, Eigenvalue: theta, Residual: rnorm, Converged: rnorm < tol}
		if res.Converged || iter >= maxIter {
			break
		}

		if k == maxSub {
			V = append(V[:0], append([]float64(nil), ritz...))
			AV = append(AV[:0], append([]float64(nil), ar...))
			h[0] = theta
		}

		t := make([]float64, n)
		for i := range t {
			den := theta - diag[i]
			if math.Abs(den) < minPrecondDenominator {
				den = math.Copysign(minPrecondDenominator, den)
			}
			t[i] = r[i] / den
		}
		tnorm, err := orthogonalize(comm, V, t)
		if err != nil {
			return res, err
		}
		if tnorm < 1e-3*rnorm {
			// the preconditioned direction collapsed into the subspace
			copy(t, r)
			if tnorm, err = orthogonalize(comm, V, t); err != nil {
				return res, err
			}
		}
		if tnorm < 1e-14 {
			break
		}
		floats.Scale(1/tnorm, t)
		if err := extend(t); err != nil {
			return res, err
		}
	}
	copy(x, ritz)
	return res, nil
}

// DiagSettings are the knobs of one selected-CI diagonalization.
type DiagSettings struct {
	HElTol      float64
	ResTol      float64
	MaxSubspace int
	MaxIter     int
	Workers     int
}

// SelectedCIDiag builds the distributed Hamiltonian over dets and returns
// its lowest eigenvalue (without core energy) and the full eigenvector,
// identical on every rank. C is used as guess when it is not flat.
func SelectedCIDiag(ctx context.Context, s *Session, comm Comm, gen *Generator, dets []Det, ds DiagSettings, C []float64) (float64, []float64, error) {
	ndets := len(dets)
	if ndets == 0 {
		return 0, nil, invalidf("selected CI on an empty determinant list")
	}
	s.Log.Infof("[Selected CI Solver]: NDETS = %d, MATEL_TOL = %.5e, RES_TOL = %.5e, MAX_SUB = %d",
		ndets, ds.HElTol, ds.ResTol, ds.MaxSubspace)

	if err := comm.Barrier(); err != nil {
		return 0, nil, err
	}
	tstart := time.Now()
	H, err := BuildDistHamiltonian(ctx, comm, gen, dets, ds.HElTol, ds.Workers)
	if err != nil {
		return 0, nil, err
	}
	if err := comm.Barrier(); err != nil {
		return 0, nil, err
	}
	hdur := time.Since(tstart)

	stats := []float64{float64(H.NNZ()), float64(H.MemFootprint())}
	if err := comm.AllreduceSum(stats); err != nil {
		return 0, nil, err
	}
	s.Log.Infof("  NNZ = %.0f, H_DUR = %v, HMEM = %.2e GiB, H_SPARSE = %.2f%%",
		stats[0], hdur, stats[1]/1073741824., 100*stats[0]/(float64(ndets)*float64(ndets)))
	s.Metrics.HamiltonianNNZ.Set(stats[0])
	s.Metrics.BuildSeconds.Observe(hdur.Seconds())

	D := H.Diagonal()
	x := make([]float64, H.LocalRows())
	useGuess := false
	if len(C) == ndets {
		copy(x, C[H.RowStart:H.RowEnd])
		maxc := []float64{0}
		for _, c := range x {
			maxc[0] = math.Max(maxc[0], math.Abs(c))
		}
		if err := comm.AllreduceMax(maxc); err != nil {
			return 0, nil, err
		}
		useGuess = maxc[0] > 1./float64(ndets)
	}
	if useGuess {
		s.Log.Debug("  * Will use passed vector as guess")
	} else {
		s.Log.Debug("  * Will generate identity guess")
		if err := diagonalGuess(comm, H, D, x); err != nil {
			return 0, nil, err
		}
	}

	if err := comm.Barrier(); err != nil {
		return 0, nil, err
	}
	tstart = time.Now()
	dres, err := Davidson(ctx, comm, H.LocalRows(), ds.MaxSubspace, H, D, ds.ResTol, ds.MaxIter, x)
	if err != nil {
		return 0, nil, err
	}
	s.Metrics.DavidsonIters.Add(float64(dres.Iterations))
	if dres.Converged {
		s.Log.Infof("  DAV_NITER = %4d, E0 = %.10e Eh, DAVIDSON_DUR = %v", dres.Iterations, dres.Eigenvalue, time.Since(tstart))
	} else {
		s.Log.Warnf("  Davidson NOT converged after %d iterations, |r| = %.3e, E0 = %.10e Eh",
			dres.Iterations, dres.Residual, dres.Eigenvalue)
	}
	if len(x) > 0 {
		s.Log.Debugf("  local eigenvector RMS = %.3e", math.Sqrt(stat.Mean(squares(x), nil)))
	}

	full := make([]float64, ndets)
	if err := comm.Allgatherv(x, full); err != nil {
		return 0, nil, errors.Wrap(err, "gathering eigenvector")
	}
	return dres.Eigenvalue, full, nil
}

// diagonalGuess sets x to the unit vector on the smallest diagonal element
// of H (lowest index on ties).
func diagonalGuess(comm Comm, H *DistCSR, D, x []float64) error {
	local := []float64{math.Inf(1), -1}
	for i, d := range D {
		if d < local[0] {
			local[0], local[1] = d, float64(H.RowStart+i)
		}
	}
	all := make([]float64, 2*comm.Size())
	if err := comm.Allgatherv(local, all); err != nil {
		return err
	}
	best, at := math.Inf(1), -1
	for r := 0; r < comm.Size(); r++ {
		if all[2*r+1] >= 0 && all[2*r] < best {
			best, at = all[2*r], int(all[2*r+1])
		}
	}
	for i := range x {
		x[i] = 0
	}
	if at >= H.RowStart && at < H.RowEnd {
		x[at-H.RowStart] = 1
	}
	return nil
}

func squares(x []float64) []float64 {
	sq := make([]float64, len(x))
	floats.MulTo(sq, x, x)
	return sq
}
