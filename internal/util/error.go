package util

import (
	"errors"
	"fmt"
	"strings"
)

// FormatErrorList() is a wrapper function that unifies error list formatting
// and makes printing error lists consistent. Every error is put on its own
// indexed line.
//
// NOTE: The error returned IS NOT an error in itself and may be a bit misleading.
// Instead, it is a single condensed error composed of all of the errors included
// in the errList argument. Returns nil for an empty list.
func FormatErrorList(errList []error) error {
	if !HasErrors(errList) {
		return nil
	}
	var b strings.Builder
	for i, e := range errList {
		fmt.Fprintf(&b, "\t[%d] %v\n", i, e)
	}
	return errors.New(b.String())
}

// HasErrors() is a simple wrapper function to check if an error list contains
// errors. Having a function that clearly states its purpose helps to improve
// readibility although it may seem pointless.
func HasErrors(errList []error) bool {
	return len(errList) > 0
}
