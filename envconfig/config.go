package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via CYCLEMAE_DEBUG in the environment
	Debug bool
	// Set via CYCLEMAE_NUM_PARALLEL in the environment
	NumParallel int
	// Set via CYCLEMAE_SEED in the environment
	Seed uint64
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CYCLEMAE_DEBUG":        {"CYCLEMAE_DEBUG", Debug, "Show additional debug information (e.g. CYCLEMAE_DEBUG=1)"},
		"CYCLEMAE_NUM_PARALLEL": {"CYCLEMAE_NUM_PARALLEL", NumParallel, "Workers for data-parallel loops (default number of CPUs)"},
		"CYCLEMAE_SEED":         {"CYCLEMAE_SEED", Seed, "Seed for initialisation and masking (default random)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	Debug = false
	if debug := clean("CYCLEMAE_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	NumParallel = runtime.NumCPU()
	if onp := clean("CYCLEMAE_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "CYCLEMAE_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = val
		}
	}

	Seed = 0
	if seed := clean("CYCLEMAE_SEED"); seed != "" {
		val, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "CYCLEMAE_SEED", seed, "error", err)
		} else {
			Seed = val
		}
	}
}

func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
