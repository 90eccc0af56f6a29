// config.go --  This file is part of goHF project.
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
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type ModelConfig struct {
	Type     string  `mapstructure:"type" yaml:"type"`
	Sites    int     `mapstructure:"sites" yaml:"sites"`
	T        float64 `mapstructure:"t" yaml:"t"`
	U        float64 `mapstructure:"u" yaml:"u"`
	Periodic bool    `mapstructure:"periodic" yaml:"periodic"`
}

type SystemConfig struct {
	FCIDump     string      `mapstructure:"fcidump" yaml:"fcidump,omitempty"`
	Model       ModelConfig `mapstructure:"model" yaml:"model,omitempty"`
	NAlpha      int         `mapstructure:"nalpha" yaml:"nalpha"`
	NBeta       int         `mapstructure:"nbeta" yaml:"nbeta"`
	IntegralTol float64     `mapstructure:"integral_tol" yaml:"integral_tol"`
}

type ASCIConfig struct {
	NTDetsMax           int     `mapstructure:"ntdets_max" yaml:"ntdets_max"`
	NTDetsMin           int     `mapstructure:"ntdets_min" yaml:"ntdets_min"`
	NCDetsMax           int     `mapstructure:"ncdets_max" yaml:"ncdets_max"`
	HElTol              float64 `mapstructure:"h_el_tol" yaml:"h_el_tol"`
	RVPruneTol          float64 `mapstructure:"rv_prune_tol" yaml:"rv_prune_tol"`
	GrowFactor          int     `mapstructure:"grow_factor" yaml:"grow_factor"`
	MaxRefineIter       int     `mapstructure:"max_refine_iter" yaml:"max_refine_iter"`
	RefineEnergyTol     float64 `mapstructure:"refine_energy_tol" yaml:"refine_energy_tol"`
	DavidsonResTol      float64 `mapstructure:"davidson_res_tol" yaml:"davidson_res_tol"`
	DavidsonMaxSubspace int     `mapstructure:"davidson_max_subspace" yaml:"davidson_max_subspace"`
	DavidsonMaxIter     int     `mapstructure:"davidson_max_iter" yaml:"davidson_max_iter"`
}

type OutputConfig struct {
	Wavefunction string  `mapstructure:"wavefunction" yaml:"wavefunction,omitempty"`
	RDMDir       string  `mapstructure:"rdm_dir" yaml:"rdm_dir,omitempty"`
	PrintTol     float64 `mapstructure:"print_tol" yaml:"print_tol"`
	Plot         string  `mapstructure:"plot" yaml:"plot,omitempty"`
	Metrics      string  `mapstructure:"metrics" yaml:"metrics,omitempty"`
}

// Config is the input of one goasci run.
type Config struct {
	System   SystemConfig `mapstructure:"system" yaml:"system"`
	ASCI     ASCIConfig   `mapstructure:"asci" yaml:"asci"`
	Output   OutputConfig `mapstructure:"output" yaml:"output"`
	NProcs   int          `mapstructure:"nprocs" yaml:"nprocs"`
	Workers  int          `mapstructure:"workers" yaml:"workers"`
	LogLevel string       `mapstructure:"log_level" yaml:"log_level"`
}

// newViper returns a viper instance with every default set.
func newViper() *viper.Viper {
	v := viper.New()
	d := DefaultASCISettings()
	v.SetDefault("system.nalpha", -1)
	v.SetDefault("system.nbeta", -1)
	v.SetDefault("system.integral_tol", 1e-12)
	v.SetDefault("system.model.t", 1.0)
	v.SetDefault("asci.ntdets_max", d.NTDetsMax)
	v.SetDefault("asci.ntdets_min", d.NTDetsMin)
	v.SetDefault("asci.ncdets_max", d.NCDetsMax)
	v.SetDefault("asci.h_el_tol", d.HElTol)
	v.SetDefault("asci.rv_prune_tol", d.RVPruneTol)
	v.SetDefault("asci.grow_factor", d.GrowFactor)
	v.SetDefault("asci.max_refine_iter", d.MaxRefineIter)
	v.SetDefault("asci.refine_energy_tol", d.RefineEnergyTol)
	v.SetDefault("asci.davidson_res_tol", d.DavidsonResTol)
	v.SetDefault("asci.davidson_max_subspace", d.DavidsonMaxSubspace)
	v.SetDefault("asci.davidson_max_iter", d.DavidsonMaxIter)
	v.SetDefault("output.print_tol", 1e-2)
	v.SetDefault("nprocs", 1)
	v.SetDefault("workers", 0)
	v.SetDefault("log_level", "info")
	return v
}

// LoadConfig reads the YAML input file through v, on top of its defaults
// and bound flags.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	hasDump := c.System.FCIDump != ""
	hasModel := c.System.Model.Type != ""
	if hasDump == hasModel {
		return invalidf("exactly one of system.fcidump and system.model must be given")
	}
	if hasModel && strings.ToLower(c.System.Model.Type) != "hubbard1d" {
		return invalidf("unknown model %q", c.System.Model.Type)
	}
	if c.NProcs < 1 {
		return invalidf("nprocs = %d", c.NProcs)
	}
	if c.Output.PrintTol < 0 {
		return invalidf("print_tol = %g", c.Output.PrintTol)
	}
	return c.Settings().Validate()
}

// Settings converts the asci section.
func (c *Config) Settings() ASCISettings {
	a := c.ASCI
	return ASCISettings{
		NTDetsMax:           a.NTDetsMax,
		NTDetsMin:           a.NTDetsMin,
		NCDetsMax:           a.NCDetsMax,
		HElTol:              a.HElTol,
		RVPruneTol:          a.RVPruneTol,
		GrowFactor:          a.GrowFactor,
		MaxRefineIter:       a.MaxRefineIter,
		RefineEnergyTol:     a.RefineEnergyTol,
		DavidsonResTol:      a.DavidsonResTol,
		DavidsonMaxSubspace: a.DavidsonMaxSubspace,
		DavidsonMaxIter:     a.DavidsonMaxIter,
		Workers:             c.Workers,
	}
}

// LoadSystem reads the FCIDUMP or builds the model Hamiltonian, then
// applies the electron count overrides.
func (c *Config) LoadSystem() (*System, error) {
	var sys *System
	var err error
	sc := c.System
	if sc.FCIDump != "" {
		sys, err = ReadFCIDUMP(sc.FCIDump)
	} else {
		na, nb := sc.NAlpha, sc.NBeta
		if na < 0 || nb < 0 {
			na, nb = sc.Model.Sites/2, sc.Model.Sites/2
		}
		sys, err = Hubbard1D(sc.Model.Sites, na, nb, sc.Model.T, sc.Model.U, sc.Model.Periodic)
	}
	if err != nil {
		return nil, err
	}
	if sc.NAlpha >= 0 {
		sys.NAlpha = sc.NAlpha
	}
	if sc.NBeta >= 0 {
		sys.NBeta = sc.NBeta
	}
	return sys, sys.Validate()
}

// YAML renders the resolved configuration for the output report.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", errors.Wrap(err, "encoding config")
	}
	return string(data), nil
}
