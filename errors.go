// errors.go --  This file is part of goHF project.
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

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument marks configuration errors detected at entry.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAborted is returned by every collective of a world that lost a rank.
	ErrAborted = errors.New("process group aborted")
)

// PanicMsg is used for panics on broken internal invariants. It satisfies
// error so recovered values can be logged as such.
type PanicMsg string

func (v PanicMsg) Error() string { return string(v) }

const (
	ErrExcitationDegree = PanicMsg("goHF: excitation degree > 2 reached the matrix element formulas")
	ErrExcitationShape  = PanicMsg("goHF: impossible excitation pattern")
	ErrShape            = PanicMsg("goHF: dimension mismatch")
)

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}
