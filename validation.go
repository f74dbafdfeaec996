package lneto

import (
	"errors"
	"fmt"
)

// Validator accumulates validation errors found while inspecting a frame so
// that a single pass can report every problem found, or (by default) just
// the first. Zero value is ready to use.
type Validator struct {
	allowMultiErrs bool
	accum          []error
	accumBitpos    []BitPosErr
}

// AllowMultipleErrors configures whether subsequent AddError/AddBitPosErr
// calls accumulate every error seen (true) or only keep the first (false,
// the default).
func (v *Validator) AllowMultipleErrors(allow bool) { v.allowMultiErrs = allow }

// ResetErr clears all accumulated errors, readying the Validator for reuse.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
	v.accumBitpos = v.accumBitpos[:0]
}

// HasError reports whether any error has been accumulated.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns the accumulated error, nil if none, the single error if only
// one was recorded, or a joined error (via [errors.Join]) otherwise.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns the accumulated error exactly like Err and resets the
// Validator in the same call, so callers can validate-then-check in one step
// without a separate ResetErr.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

func (v *Validator) gotErr(err error) {
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}

// AddError records a plain validation error.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	}
	v.gotErr(err)
}

// AddBitPosErr records a validation error together with the bit offset and
// length of the offending field, letting callers pinpoint malformed fields
// precisely (useful for fuzzing and wire-format debugging).
func (v *Validator) AddBitPosErr(bitStart, bitLen int, err error) {
	if err == nil {
		panic("err argument to AddBitPosErr cannot be nil")
	} else if bitLen <= 0 {
		panic("bitLen must be positive")
	}
	v.accumBitpos = append(v.accumBitpos, BitPosErr{BitStart: bitStart, BitLen: bitLen, Err: err})
	v.gotErr(&v.accumBitpos[len(v.accumBitpos)-1])
}

// BitPosErr is a validation error anchored to a bit range of the frame being
// validated.
type BitPosErr struct {
	BitStart int
	BitLen   int
	Err      error
}

func (bpe *BitPosErr) Error() string {
	return fmt.Sprintf("%s at bits %d..%d", bpe.Err.Error(), bpe.BitStart, bpe.BitStart+bpe.BitLen)
}

func (bpe *BitPosErr) Unwrap() error { return bpe.Err }
