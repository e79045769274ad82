package debugtests

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/riscv-debug/dbgharness/internal/check"
	"github.com/riscv-debug/dbgharness/internal/suite"
)

type examineTarget struct {
	suite.Base
}

func (examineTarget) Run(_ context.Context, env *suite.Env) error {
	for _, hart := range env.Target.Harts() {
		if err := env.Gdb.SelectHart(hart.ID); err != nil {
			return err
		}
		value, err := env.Gdb.P("$misa")
		if err != nil {
			return err
		}
		if value.Int == nil {
			return check.Failf("$misa on %s is not an integer", hart)
		}
		misa := value.Int

		xlen := MisaXLEN(misa)
		if xlen == 0 {
			return check.Failf("couldn't determine XLEN from $misa (0x%s)", misa.Text(16))
		}
		if xlen != hart.XLEN {
			return check.Failf("misa reported XLEN of %d but we were expecting XLEN of %d", xlen, hart.XLEN)
		}
		if misa.IsUint64() {
			hart.Misa = misa.Uint64()
		}
		env.Logf("%s: %s", hart, DescribeMisa(misa, xlen))
	}
	return nil
}

// MisaXLEN derives the native width from the MXL field of misa. It returns 0
// when no width matches.
func MisaXLEN(misa *big.Int) int {
	for _, candidate := range []struct {
		xlen int
		mxl  int64
	}{{32, 1}, {64, 2}, {128, 3}} {
		if mxlField(misa, candidate.xlen) == candidate.mxl {
			return candidate.xlen
		}
	}
	return 0
}

// mxlField returns bits [xlen-1:xlen-2] of misa.
func mxlField(misa *big.Int, xlen int) int64 {
	mask := new(big.Int).Lsh(big.NewInt(1), uint(xlen))
	mask.Sub(mask, big.NewInt(1))
	field := new(big.Int).And(misa, mask)
	field.Rsh(field, uint(xlen-2))
	return field.Int64()
}

// DescribeMisa renders misa as "RV<xlen><extensions>", e.g. RV64ACIMSU.
func DescribeMisa(misa *big.Int, xlen int) string {
	var b strings.Builder
	b.WriteString("RV")
	b.WriteString(strconv.Itoa(xlen))
	for i := range 26 {
		if misa.Bit(i) == 1 {
			b.WriteByte(byte('A' + i))
		}
	}
	return b.String()
}
