package quenchd_test

import (
	"testing"

	Qr "github.com/magnetlab/quenchd/run"
)

func TestFillEnvVar(t *testing.T) {
	t.Run("Returns the set value", func(t *testing.T) {
		t.Setenv("QUENCHD_TEST_VAR", "massenet")
		assertString(t, Qr.FillEnvVar("QUENCHD_TEST_VAR"), "massenet")
	})

	t.Run("Returns the default for an unset variable", func(t *testing.T) {
		assertString(t, Qr.FillEnvVar("QUENCHD_TEST_VAR_UNSET"), "ENOENT")
	})
}

func TestFloatPrecise(t *testing.T) {
	t.Run("Rounds to the requested decimals", func(t *testing.T) {
		assertFloat(t, Qr.FloatPrecise(10.00049, 3), 10.0)
		assertFloat(t, Qr.FloatPrecise(10.0006, 3), 10.001)
	})

	t.Run("Handles negative values", func(t *testing.T) {
		assertFloat(t, Qr.FloatPrecise(-2.3456, 2), -2.35)
	})
}
