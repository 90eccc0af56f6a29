// comm.go --  This file is part of goHF project.
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
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Comm is a process group handle. Every distributed operation takes one
// explicitly. All collectives block until every rank of the group has
// entered them.
type Comm interface {
	Rank() int
	Size() int
	Barrier() error
	// AllreduceSum replaces buf with the element-wise sum over ranks.
	AllreduceSum(buf []float64) error
	// AllreduceMax replaces buf with the element-wise maximum over ranks.
	AllreduceMax(buf []float64) error
	// Allgatherv concatenates the local slices of all ranks, in rank order,
	// into out. len(out) must equal the total length.
	Allgatherv(local, out []float64) error
	// Bcast copies buf of rank root into buf of every rank.
	Bcast(buf []float64, root int) error
}

// LocalWorld is a process group whose ranks are goroutines of this process
// sharing memory. Reductions are summed in rank order, so every rank sees
// bit-identical results.
type LocalWorld struct {
	size int

	mu    sync.Mutex
	cond  *sync.Cond
	count int
	gen   uint64
	err   error

	slots [][]float64
}

func NewLocalWorld(size int) (*LocalWorld, error) {
	if size < 1 {
		return nil, invalidf("process group size %d", size)
	}
	w := &LocalWorld{size: size, slots: make([][]float64, size)}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

func (w *LocalWorld) Size() int { return w.size }

// Comm returns the handle of one rank.
func (w *LocalWorld) Comm(rank int) Comm { return &localComm{w: w, rank: rank} }

// Abort wakes every rank blocked in a collective; they and all later
// collectives return ErrAborted.
func (w *LocalWorld) Abort(cause error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = errors.Wrap(ErrAborted, cause.Error())
	}
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Run executes fn once per rank, each in its own goroutine, and waits for
// all of them. The first failing rank aborts the group.
func (w *LocalWorld) Run(ctx context.Context, fn func(ctx context.Context, comm Comm) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for r := 0; r < w.size; r++ {
		comm := w.Comm(r)
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = errors.Errorf("rank %d panicked: %v", comm.Rank(), p)
				}
				if err != nil {
					w.Abort(err)
				}
			}()
			return fn(ctx, comm)
		})
	}
	return g.Wait()
}

func (w *LocalWorld) barrier() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	gen := w.gen
	w.count++
	if w.count == w.size {
		w.count = 0
		w.gen++
		w.cond.Broadcast()
		return nil
	}
	for gen == w.gen && w.err == nil {
		w.cond.Wait()
	}
	if gen == w.gen {
		return w.err
	}
	return nil
}

type localComm struct {
	w    *LocalWorld
	rank int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.w.size }

func (c *localComm) Barrier() error { return c.w.barrier() }

// exchange publishes a copy of buf, waits for every rank, runs read over
// the published slots and waits again so no slot is overwritten early.
func (c *localComm) exchange(buf []float64, read func(slots [][]float64) error) error {
	c.w.slots[c.rank] = append(c.w.slots[c.rank][:0], buf...)
	if err := c.w.barrier(); err != nil {
		return err
	}
	rerr := read(c.w.slots)
	if err := c.w.barrier(); err != nil {
		return err
	}
	return rerr
}

func (c *localComm) AllreduceSum(buf []float64) error {
	return c.exchange(buf, func(slots [][]float64) error {
		for i := range buf {
			s := 0.0
			for r := range slots {
				if len(slots[r]) != len(buf) {
					return errors.Wrapf(ErrInvalidArgument, "allreduce length %d on rank %d, %d on rank %d", len(buf), c.rank, len(slots[r]), r)
				}
				s += slots[r][i]
			}
			buf[i] = s
		}
		return nil
	})
}

func (c *localComm) AllreduceMax(buf []float64) error {
	return c.exchange(buf, func(slots [][]float64) error {
		for i := range buf {
			m := slots[0][i]
			for r := 1; r < len(slots); r++ {
				if len(slots[r]) != len(buf) {
					return errors.Wrapf(ErrInvalidArgument, "allreduce length mismatch on rank %d", r)
				}
				if slots[r][i] > m {
					m = slots[r][i]
				}
			}
			buf[i] = m
		}
		return nil
	})
}

func (c *localComm) Allgatherv(local, out []float64) error {
	return c.exchange(local, func(slots [][]float64) error {
		total := 0
		for r := range slots {
			total += len(slots[r])
		}
		if total != len(out) {
			return errors.Wrapf(ErrInvalidArgument, "allgatherv of %d elements into %d", total, len(out))
		}
		off := 0
		for r := range slots {
			off += copy(out[off:], slots[r])
		}
		return nil
	})
}

func (c *localComm) Bcast(buf []float64, root int) error {
	var send []float64
	if c.rank == root {
		send = buf
	}
	return c.exchange(send, func(slots [][]float64) error {
		if len(slots[root]) != len(buf) {
			return errors.Wrapf(ErrInvalidArgument, "bcast of %d elements into %d", len(slots[root]), len(buf))
		}
		if c.rank != root {
			copy(buf, slots[root])
		}
		return nil
	})
}

// RowRange is the contiguous block of n rows owned by rank in a group of
// size ranks. The first n%size ranks get one extra row.
func RowRange(n, rank, size int) (start, end int) {
	q, r := n/size, n%size
	start = rank*q + min(rank, r)
	end = start + q
	if rank < r {
		end++
	}
	return start, end
}

// RowCounts returns the number of rows owned by each rank.
func RowCounts(n, size int) []int {
	counts := make([]int, size)
	for r := range counts {
		s, e := RowRange(n, r, size)
		counts[r] = e - s
	}
	return counts
}
