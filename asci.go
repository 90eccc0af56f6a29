// asci.go --  This file is part of goHF project.
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
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// ASCISettings control the adaptive determinant search.
type ASCISettings struct {
	NTDetsMax int // largest working set
	NTDetsMin int // working set size after the first grow step
	NCDetsMax int // core determinants used to generate candidates

	HElTol     float64 // Hamiltonian element screening
	RVPruneTol float64 // skip |H_Di C_i| below this in the search

	GrowFactor      int
	MaxRefineIter   int
	RefineEnergyTol float64

	DavidsonResTol      float64
	DavidsonMaxSubspace int
	DavidsonMaxIter     int

	Workers int // goroutines per rank, GOMAXPROCS when < 1
}

func DefaultASCISettings() ASCISettings {
	return ASCISettings{
		NTDetsMax:           100000,
		NTDetsMin:           100,
		NCDetsMax:           100,
		HElTol:              1e-12,
		RVPruneTol:          1e-8,
		GrowFactor:          8,
		MaxRefineIter:       6,
		RefineEnergyTol:     1e-6,
		DavidsonResTol:      1e-8,
		DavidsonMaxSubspace: 20,
		DavidsonMaxIter:     200,
	}
}

func (a ASCISettings) Validate() error {
	switch {
	case a.NTDetsMax < 1:
		return invalidf("ntdets_max = %d", a.NTDetsMax)
	case a.NTDetsMin < 1 || a.NTDetsMin > a.NTDetsMax:
		return invalidf("ntdets_min = %d not in [1, ntdets_max=%d]", a.NTDetsMin, a.NTDetsMax)
	case a.NCDetsMax < 1:
		return invalidf("ncdets_max = %d", a.NCDetsMax)
	case a.HElTol < 0 || math.IsNaN(a.HElTol):
		return invalidf("h_el_tol = %g", a.HElTol)
	case a.RVPruneTol < 0 || math.IsNaN(a.RVPruneTol):
		return invalidf("rv_prune_tol = %g", a.RVPruneTol)
	case a.GrowFactor < 2:
		return invalidf("grow_factor = %d, must be at least 2", a.GrowFactor)
	case a.MaxRefineIter < 0:
		return invalidf("max_refine_iter = %d", a.MaxRefineIter)
	case a.RefineEnergyTol < 0 || math.IsNaN(a.RefineEnergyTol):
		return invalidf("refine_energy_tol = %g", a.RefineEnergyTol)
	case a.DavidsonResTol < 0 || math.IsNaN(a.DavidsonResTol):
		return invalidf("davidson_res_tol = %g", a.DavidsonResTol)
	case a.DavidsonMaxSubspace < 2:
		return invalidf("davidson_max_subspace = %d", a.DavidsonMaxSubspace)
	case a.DavidsonMaxIter < 1:
		return invalidf("davidson_max_iter = %d", a.DavidsonMaxIter)
	}
	return nil
}

func (a ASCISettings) diag() DiagSettings {
	return DiagSettings{
		HElTol:      a.HElTol,
		ResTol:      a.DavidsonResTol,
		MaxSubspace: a.DavidsonMaxSubspace,
		MaxIter:     a.DavidsonMaxIter,
		Workers:     a.Workers,
	}
}

// Candidate is a determinant outside the working set with its estimated
// importance |Σ_i H_Di C_i / (E0 - H_DD)|.
type Candidate struct {
	Det   Det
	Score float64
}

// IterRecord is one step of the grow or refine phase.
type IterRecord struct {
	Phase      string
	NDets      int
	Energy     float64
	Candidates int
	Duration   time.Duration
}

type contribution struct {
	det  Det
	core int
	val  float64
}

// coreIndices returns the indices of the ncore largest |C|, ties broken by
// the lower bit pattern.
func coreIndices(dets []Det, C []float64, ncore int) []int {
	idx := make([]int, len(dets))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		ca, cb := math.Abs(C[a]), math.Abs(C[b])
		switch {
		case ca > cb:
			return -1
		case ca < cb:
			return 1
		}
		return CompareDets(dets[a], dets[b])
	})
	return idx[:min(ncore, len(idx))]
}

func sortCandidates(cands []Candidate) {
	slices.SortFunc(cands, func(a, b Candidate) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return CompareDets(a.Det, b.Det)
	})
}

// ASCISearch scores every single and double excitation of the core
// determinants that is not in the working set. E0 is the electronic energy
// of wfn. The result is sorted by decreasing score and does not depend on
// the number of workers.
func ASCISearch(ctx context.Context, s *Session, gen *Generator, wfn *Wavefunction, E0 float64, as ASCISettings) ([]Candidate, error) {
	if len(wfn.Dets) != len(wfn.C) {
		return nil, invalidf("search over %d determinants with %d coefficients", len(wfn.Dets), len(wfn.C))
	}
	workers := as.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(-1)
	}
	tstart := time.Now()
	known := slices.Clone(wfn.Dets)
	SortDets(known)
	core := coreIndices(wfn.Dets, wfn.C, as.NCDetsMax)
	norb := gen.Norb()

	perCore := make([][]contribution, len(core))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k, i := range core {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ref := wfn.Dets[i]
			ci := wfn.C[i]
			occA := ref.Occupied(Alpha)
			occB := ref.Occupied(Beta)
			var out []contribution
			for _, d := range SinglesDoubles(norb, ref) {
				if _, found := slices.BinarySearchFunc(known, d, CompareDets); found {
					continue
				}
				h := gen.matrixElementOcc(ref, d, ref.Xor(d), occA, occB)
				v := h * ci
				if math.Abs(v) < as.RVPruneTol || v == 0 {
					continue
				}
				out = append(out, contribution{det: d, core: k, val: v})
			}
			perCore[k] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "asci search")
	}

	var all []contribution
	for _, c := range perCore {
		all = append(all, c...)
	}
	// stable: equal determinants stay in core order, so sums are reproducible
	slices.SortStableFunc(all, func(a, b contribution) int { return CompareDets(a.det, b.det) })

	var cands []Candidate
	var nums []float64
	for i := 0; i < len(all); {
		j := i
		num := 0.0
		for ; j < len(all) && all[j].det == all[i].det; j++ {
			num += all[j].val
		}
		cands = append(cands, Candidate{Det: all[i].det})
		nums = append(nums, num)
		i = j
	}

	chunk := max(1, len(cands)/(8*workers))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for start := 0; start < len(cands); start += chunk {
		end := min(start+chunk, len(cands))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				den := E0 - gen.DiagonalOf(cands[i].Det)
				if math.Abs(den) < minPrecondDenominator {
					den = math.Copysign(minPrecondDenominator, den)
				}
				cands[i].Score = math.Abs(nums[i] / den)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "asci candidate scoring")
	}
	sortCandidates(cands)

	s.Metrics.Candidates.Set(float64(len(cands)))
	s.Log.Debugf("[ASCI Search]: NCORE = %d, NCONTRIB = %d, NCAND = %d, DUR = %v",
		len(core), len(all), len(cands), time.Since(tstart))
	return cands, nil
}

// solveWorkingSet canonicalizes wfn (sorted, unique, normalized) and
// diagonalizes H over it using the current coefficients as guess.
func solveWorkingSet(ctx context.Context, s *Session, comm Comm, gen *Generator, wfn *Wavefunction, as ASCISettings) error {
	wfn.Canonicalize()
	E, C, err := SelectedCIDiag(ctx, s, comm, gen, wfn.Dets, as.diag(), wfn.C)
	if err != nil {
		return err
	}
	wfn.C = C
	wfn.E = E
	wfn.Normalize()
	s.Metrics.Dets.Set(float64(len(wfn.Dets)))
	s.Metrics.Energy.Set(E + gen.Ints.ECore)
	return nil
}

// ensureSolved diagonalizes over wfn unless it already carries coefficients.
func ensureSolved(ctx context.Context, s *Session, comm Comm, gen *Generator, wfn *Wavefunction, as ASCISettings) error {
	if len(wfn.Dets) == 0 {
		return invalidf("empty initial wavefunction")
	}
	if wfn.Solved() {
		wfn.Canonicalize()
		return nil
	}
	wfn.C = nil
	return solveWorkingSet(ctx, s, comm, gen, wfn, as)
}

// ASCIGrow enlarges the working set by GrowFactor per step until NTDetsMax
// is reached or the search runs dry. Every step keeps all current
// determinants, so the energy never goes up.
func ASCIGrow(ctx context.Context, s *Session, comm Comm, gen *Generator, as ASCISettings, wfn *Wavefunction) ([]IterRecord, error) {
	if err := as.Validate(); err != nil {
		return nil, err
	}
	if err := ensureSolved(ctx, s, comm, gen, wfn, as); err != nil {
		return nil, err
	}
	var hist []IterRecord
	for iter := 1; len(wfn.Dets) < as.NTDetsMax; iter++ {
		tstart := time.Now()
		cands, err := ASCISearch(ctx, s, gen, wfn, wfn.E, as)
		if err != nil {
			return hist, err
		}
		if len(cands) == 0 {
			s.Log.Info("[ASCI Grow]: no candidates left, stopping")
			break
		}
		n := len(wfn.Dets)
		target := min(max(as.NTDetsMin, n*as.GrowFactor), as.NTDetsMax)
		nadd := min(target-n, len(cands))
		for _, c := range cands[:nadd] {
			wfn.Dets = append(wfn.Dets, c.Det)
			wfn.C = append(wfn.C, 0)
		}
		if err := solveWorkingSet(ctx, s, comm, gen, wfn, as); err != nil {
			return hist, err
		}
		rec := IterRecord{Phase: "grow", NDets: len(wfn.Dets), Energy: wfn.E + gen.Ints.ECore,
			Candidates: len(cands), Duration: time.Since(tstart)}
		hist = append(hist, rec)
		s.Log.Infof("[ASCI Grow %d]: NDETS = %d, E = %.10f Eh, DUR = %v", iter, rec.NDets, rec.Energy, rec.Duration)
	}
	return hist, nil
}

// ASCIRefine keeps the working set size fixed and replaces its least
// important determinants by better candidates. It stops when the set is
// stable or returns to a set visited before, when the energy change drops
// below RefineEnergyTol, or after MaxRefineIter rounds. It returns the
// number of determinants swapped in the last applied round.
func ASCIRefine(ctx context.Context, s *Session, comm Comm, gen *Generator, as ASCISettings, wfn *Wavefunction) (int, []IterRecord, error) {
	if err := as.Validate(); err != nil {
		return 0, nil, err
	}
	if err := ensureSolved(ctx, s, comm, gen, wfn, as); err != nil {
		return 0, nil, err
	}
	var hist []IterRecord
	swaps := 0
	n := len(wfn.Dets)
	visited := [][]Det{sortedDets(wfn.Dets)}
	for iter := 1; iter <= as.MaxRefineIter; iter++ {
		tstart := time.Now()
		cands, err := ASCISearch(ctx, s, gen, wfn, wfn.E, as)
		if err != nil {
			return swaps, hist, err
		}

		ranked := make([]Candidate, 0, n+len(cands))
		for i, d := range wfn.Dets {
			ranked = append(ranked, Candidate{Det: d, Score: math.Abs(wfn.C[i])})
		}
		ranked = append(ranked, cands...)
		sortCandidates(ranked)
		ranked = ranked[:n]

		old := make(map[Det]float64, n)
		for i, d := range wfn.Dets {
			old[d] = wfn.C[i]
		}
		swaps = 0
		dets := make([]Det, n)
		C := make([]float64, n)
		for i, c := range ranked {
			dets[i] = c.Det
			if v, ok := old[c.Det]; ok {
				C[i] = v
			} else {
				swaps++
			}
		}
		if swaps == 0 {
			s.Log.Infof("[ASCI Refine %d]: determinant set is stable", iter)
			break
		}
		next := sortedDets(dets)
		if slices.ContainsFunc(visited, func(v []Det) bool { return slices.Equal(v, next) }) {
			s.Log.Infof("[ASCI Refine %d]: determinant set revisited, %d swaps cycle", iter, swaps)
			swaps = 0
			break
		}
		visited = append(visited, next)

		Eold := wfn.E
		wfn.Dets, wfn.C = dets, C
		if err := solveWorkingSet(ctx, s, comm, gen, wfn, as); err != nil {
			return swaps, hist, err
		}
		rec := IterRecord{Phase: "refine", NDets: n, Energy: wfn.E + gen.Ints.ECore,
			Candidates: len(cands), Duration: time.Since(tstart)}
		hist = append(hist, rec)
		dE := wfn.E - Eold
		s.Log.Infof("[ASCI Refine %d]: NSWAP = %d, E = %.10f Eh, dE = %.3e, DUR = %v", iter, swaps, rec.Energy, dE, rec.Duration)
		if math.Abs(dE) < as.RefineEnergyTol {
			break
		}
	}
	return swaps, hist, nil
}

func sortedDets(dets []Det) []Det {
	res := slices.Clone(dets)
	SortDets(res)
	return res
}
