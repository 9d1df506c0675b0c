package wire

import "errors"

// Validator accumulates decode/structural errors found while inspecting a
// wire frame. Packages in this module construct one per decode pass and
// call AddError as they check fields, then inspect HasError/ErrPop once at
// the end instead of returning on the first problem found.
type Validator struct {
	allowMultiErrs bool
	accum          []error
}

// AllowMultipleErrors controls whether AddError accumulates every error
// passed to it or only the first. Default is first-error-only.
func (v *Validator) AllowMultipleErrors(allow bool) {
	v.allowMultiErrs = allow
}

// ResetErr clears the validator for reuse.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

// HasError reports whether any error has been added since the last reset.
func (v *Validator) HasError() bool {
	return len(v.accum) != 0
}

// Err returns the accumulated error, joining multiple errors if present.
func (v *Validator) Err() error {
	if len(v.accum) == 1 {
		return v.accum[0]
	} else if len(v.accum) == 0 {
		return nil
	}
	return errors.Join(v.accum...)
}

// ErrPop returns Err and resets the validator.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// AddError registers err with the validator. err must not be nil.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("error argument to AddError cannot be nil")
	}
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}
