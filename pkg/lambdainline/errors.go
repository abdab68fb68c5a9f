// Package lambdainline inlines static lambdas into the methods consuming
// them. A consuming method is specialized per lambda: the lambda parameter
// is dropped and every call of the functional interface method on it is
// replaced by the lambda's implementation body.
package lambdainline

import "errors"

var (
	// ErrUnsupportedInlineTarget is returned when a consuming method or a
	// lambda implementation cannot be inlined, e.g. because it has no code.
	ErrUnsupportedInlineTarget = errors.New("unsupported inline target")

	// ErrAmbiguousProvenance is returned when more than one lambda creation
	// may reach a usage site.
	ErrAmbiguousProvenance = errors.New("ambiguous lambda provenance")

	// ErrPolicyDeclined is returned when the inline policy rejects a site.
	ErrPolicyDeclined = errors.New("declined by inline policy")
)
