package gdb

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// C continues the active session and waits for the target to stop again.
func (p *Pool) C(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = LongTimeout
	}
	output, err := p.CommandTimeout("c", timeout)
	if err != nil {
		return output, err
	}
	if !strings.Contains(output, "Continuing") {
		return output, fmt.Errorf("continue: unexpected response %q", output)
	}
	return output, nil
}

// CNoWait continues the active session and returns once gdb confirms the
// resume, without waiting for the target to stop.
func (p *Pool) CNoWait() error {
	conn := p.conns[p.active]
	if err := conn.SendLine("c"); err != nil {
		return err
	}
	_, err := conn.ExpectString("Continuing", p.timeout)
	return err
}

// Interrupt breaks into the target on the active session.
func (p *Pool) Interrupt() (string, error) {
	return p.conns[p.active].Interrupt(LongTimeout)
}

// X examines one memory unit of the given size letter (b, h, w, g).
func (p *Pool) X(address uint64, size string) (uint64, error) {
	if size == "" {
		size = "w"
	}
	output, err := p.Command(fmt.Sprintf("x/%s 0x%x", size, address))
	if err != nil {
		return 0, err
	}
	_, rest, ok := strings.Cut(output, ":")
	if !ok {
		return 0, fmt.Errorf("examine 0x%x: unexpected response %q", address, output)
	}
	value, err := ParseValue(rest)
	if err != nil {
		return 0, fmt.Errorf("examine 0x%x: %w", address, err)
	}
	return value.Uint64()
}

// PRaw prints expr and returns the text after the last "=".
func (p *Pool) PRaw(expr string) (string, error) {
	output, err := p.Command("p " + expr)
	if err != nil {
		return "", err
	}
	return rhs(output), nil
}

// P prints expr in hex and parses the result.
func (p *Pool) P(expr string) (Value, error) {
	return p.PFormat(expr, "/x")
}

// PFormat prints expr with a print format such as "/x" or "/d".
func (p *Pool) PFormat(expr, format string) (Value, error) {
	output, err := p.Command("p" + format + " " + expr)
	if err != nil {
		return Value{}, err
	}
	return ParseValue(rhs(output))
}

// PUint prints expr in hex and returns it as an unsigned integer.
func (p *Pool) PUint(expr string) (uint64, error) {
	value, err := p.P(expr)
	if err != nil {
		return 0, err
	}
	return value.Uint64()
}

// Stepi single-steps the active hart.
func (p *Pool) Stepi() (string, error) {
	return p.CommandTimeout("stepi", DefaultTimeout)
}

// Load downloads the current binary into target memory.
func (p *Pool) Load() error {
	output, err := p.CommandTimeout("load", LongTimeout)
	if err != nil {
		return err
	}
	if strings.Contains(output, "failed") || !strings.Contains(output, "Transfer rate") {
		return fmt.Errorf("load: %s", output)
	}
	return nil
}

// B sets a software breakpoint.
func (p *Pool) B(location string) (string, error) {
	return p.breakpoint("b", location, "Breakpoint")
}

// Hbreak sets a hardware breakpoint.
func (p *Pool) Hbreak(location string) (string, error) {
	return p.breakpoint("hbreak", location, "Hardware assisted breakpoint")
}

func (p *Pool) breakpoint(command, location, want string) (string, error) {
	output, err := p.Command(command + " " + location)
	if err != nil {
		return output, err
	}
	if strings.Contains(output, "not defined") || !strings.Contains(output, want) {
		return output, fmt.Errorf("%s %s: %s", command, location, output)
	}
	return output, nil
}

// Where returns the innermost frame of the active hart.
func (p *Pool) Where() (string, error) {
	return p.Command("where 1")
}

func rhs(output string) string {
	if idx := strings.LastIndex(output, "="); idx >= 0 {
		output = output[idx+1:]
	}
	return strings.TrimSpace(output)
}

// Value is a parsed gdb print result: an integer, a quoted string, or a
// brace-enclosed aggregate of values.
type Value struct {
	Int      *big.Int
	Str      string
	IsString bool
	Elems    []Value
}

// IsAggregate reports whether the value was brace-enclosed.
func (v Value) IsAggregate() bool {
	return v.Elems != nil
}

// Uint64 returns an integer value that fits in 64 bits. Negative values
// come back in two's complement.
func (v Value) Uint64() (uint64, error) {
	if v.Int == nil {
		return 0, errors.New("value is not an integer")
	}
	if v.Int.Sign() < 0 {
		if !v.Int.IsInt64() {
			return 0, fmt.Errorf("value %s does not fit in 64 bits", v.Int.String())
		}
		return uint64(v.Int.Int64()), nil
	}
	if !v.Int.IsUint64() {
		return 0, fmt.Errorf("value 0x%s does not fit in 64 bits", v.Int.Text(16))
	}
	return v.Int.Uint64(), nil
}

// ParseValue parses integers in any base gdb prints, "quoted strings" and
// {a, b} aggregates.
func ParseValue(text string) (Value, error) {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}"):
		inner := text[1 : len(text)-1]
		elems := []Value{}
		for _, part := range splitTopLevel(inner) {
			elem, err := ParseValue(part)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, elem)
		}
		return Value{Elems: elems}, nil
	case len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`):
		return Value{Str: text[1 : len(text)-1], IsString: true}, nil
	}
	n, ok := new(big.Int).SetString(text, 0)
	if !ok {
		return Value{}, fmt.Errorf("cannot parse value %q", text)
	}
	return Value{Int: n}, nil
}

func splitTopLevel(text string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range text {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, text[start:i])
				start = i + 1
			}
		}
	}
	if strings.TrimSpace(text[start:]) != "" {
		parts = append(parts, text[start:])
	}
	return parts
}
